// Package execution validates and executes a single order against the
// ledger and the price source, computing fill price, slippage, and fees.
//
// Business-rule rejections (limit not met, insufficient balance or
// position) resolve to a REJECTED order with a reason code. Only
// validation and infrastructure failures surface as Go errors.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/seongmin1117/stock-quest-sub011/internal/ledger"
	"github.com/seongmin1117/stock-quest-sub011/internal/masking"
	"github.com/seongmin1117/stock-quest-sub011/internal/metrics"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/pricing"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

var (
	// ErrInvalidOrder is returned for a malformed order request.
	ErrInvalidOrder = errors.New("execution: invalid order")

	// ErrInvalidSymbol is returned when the instrument key does not
	// belong to the session's challenge.
	ErrInvalidSymbol = errors.New("execution: unknown instrument for challenge")
)

// PriceScale is the number of decimal places for fill-price rounding.
const PriceScale int32 = 4

// Request describes one order to execute. LimitPrice is ignored for
// MARKET orders.
type Request struct {
	InstrumentKey string
	Side          model.OrderSide
	Type          model.OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
}

// Engine executes orders. Slippage is modeled as a deterministic constant
// rate so tests are reproducible: buys pay ref*(1+rate), sells receive
// ref*(1-rate). The configured rate is the canonical slippage recorded on
// every executed order.
type Engine struct {
	store        store.Store
	ledger       *ledger.Ledger
	source       pricing.Source
	slippageRate decimal.Decimal
	feeRate      decimal.Decimal
}

// NewEngine creates an execution engine. A negative slippage or fee rate
// falls back to the defaults (0.5% slippage, no fee).
func NewEngine(st store.Store, l *ledger.Ledger, src pricing.Source, slippageRate, feeRate decimal.Decimal) *Engine {
	if slippageRate.IsNegative() {
		slippageRate = decimal.NewFromFloat(0.005)
	}
	if feeRate.IsNegative() {
		feeRate = decimal.Zero
	}
	return &Engine{
		store:        st,
		ledger:       l,
		source:       src,
		slippageRate: slippageRate,
		feeRate:      feeRate,
	}
}

// Execute resolves one order synchronously against the session's current
// simulated bar. The caller must hold the per-session lock; exactly one
// ledger mutation happens per EXECUTED order and none on any rejection.
func (e *Engine) Execute(ctx context.Context, sess *model.ChallengeSession, req Request) (*model.Order, error) {
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidOrder, req.Quantity)
	}
	switch req.Side {
	case model.SideBuy, model.SideSell:
	default:
		return nil, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	switch req.Type {
	case model.TypeMarket:
	case model.TypeLimit:
		if req.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: limit order requires a positive limit price", ErrInvalidOrder)
		}
	default:
		return nil, fmt.Errorf("%w: type must be MARKET or LIMIT", ErrInvalidOrder)
	}

	asOf := pricing.SimulatedNow(sess, time.Now().UTC())
	bar, err := e.source.GetBar(ctx, sess.ChallengeID, req.InstrumentKey, asOf)
	if err != nil {
		if errors.Is(err, masking.ErrUnknownInstrument) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, req.InstrumentKey)
		}
		// Market data timeouts fail the order; never fall back to a
		// stale or guessed price.
		return nil, err
	}
	ref := bar.Close

	// LIMIT orders fill at the reference or limit price as-is; only
	// MARKET fills carry the slippage adjustment.
	slippage := decimal.Zero
	if req.Type == model.TypeMarket {
		slippage = e.slippageRate
	}

	order := &model.Order{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		InstrumentKey: req.InstrumentKey,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        model.OrderPending,
		SlippageRate:  slippage,
		OrderedAt:     time.Now().UTC(),
	}

	fillPrice, reason := e.fillPrice(req, ref)
	if reason != "" {
		return e.reject(ctx, order, reason)
	}

	now := time.Now().UTC()
	order.Fee = fillPrice.Mul(req.Quantity).Mul(e.feeRate).Round(2)
	order.Status = model.OrderExecuted
	order.ExecutedPrice = fillPrice
	order.ExecutedAt = &now

	// The ledger persists the order row together with the position and
	// balance changes in one atomic write.
	if _, err := e.ledger.ApplyFill(ctx, sess, order); err != nil {
		var balErr *ledger.InsufficientBalanceError
		var posErr *ledger.InsufficientPositionError
		switch {
		case errors.As(err, &balErr):
			order.Reason = model.ReasonInsufficientBalance
		case errors.As(err, &posErr):
			order.Reason = model.ReasonInsufficientPosition
		default:
			// Infrastructure failure: no ledger mutation happened, the
			// whole operation is safe to retry.
			return nil, err
		}
		slog.Info("order rejected",
			"order", order.ID, "session", sess.ID,
			"reason", order.Reason, "detail", err.Error(),
		)
		return e.reject(ctx, order, order.Reason)
	}

	metrics.OrdersTotal.WithLabelValues(string(req.Side), string(model.OrderExecuted)).Inc()
	slog.Info("order executed",
		"order", order.ID,
		"session", sess.ID,
		"instrument", req.InstrumentKey,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"ref_price", ref.String(),
		"fill_price", fillPrice.String(),
		"balance", sess.CurrentBalance.String(),
	)
	return order, nil
}

// fillPrice determines the execution price for the request against the
// reference price, or a rejection reason for an unmet limit.
func (e *Engine) fillPrice(req Request, ref decimal.Decimal) (decimal.Decimal, string) {
	switch req.Type {
	case model.TypeMarket:
		sign := decimal.NewFromInt(1)
		if req.Side == model.SideSell {
			sign = decimal.NewFromInt(-1)
		}
		one := decimal.NewFromInt(1)
		return ref.Mul(one.Add(sign.Mul(e.slippageRate))).Round(PriceScale), ""

	default: // LIMIT
		if req.Side == model.SideBuy {
			if ref.GreaterThan(req.LimitPrice) {
				return decimal.Zero, model.ReasonLimitNotMet
			}
			return decimal.Min(ref, req.LimitPrice), ""
		}
		if ref.LessThan(req.LimitPrice) {
			return decimal.Zero, model.ReasonLimitNotMet
		}
		return decimal.Max(ref, req.LimitPrice), ""
	}
}

// reject persists and returns a REJECTED order. Rejections are expected
// business outcomes: the order row records the reason, no error flows up.
func (e *Engine) reject(ctx context.Context, order *model.Order, reason string) (*model.Order, error) {
	order.Status = model.OrderRejected
	order.Reason = reason
	order.ExecutedPrice = decimal.Zero
	order.ExecutedAt = nil
	if err := e.store.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist rejected order: %w", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(order.Side), string(model.OrderRejected)).Inc()
	return order, nil
}
