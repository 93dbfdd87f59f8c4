// Package ledger owns one session's cash balance and per-instrument
// positions. Fills are validated before any state changes; a rejected
// fill leaves balance and positions untouched.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

// ErrCorruptLedger marks an invariant violation (negative balance or
// position) found in stored state. This is a fatal bug, never silently
// repaired.
var ErrCorruptLedger = errors.New("ledger: invariant violation")

// InsufficientBalanceError rejects a BUY whose cost exceeds available cash.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: required %s, available %s",
		e.Required.String(), e.Available.String())
}

// InsufficientPositionError rejects a SELL larger than the held quantity.
type InsufficientPositionError struct {
	InstrumentKey string
	Requested     decimal.Decimal
	Held          decimal.Decimal
}

func (e *InsufficientPositionError) Error() string {
	return fmt.Sprintf("ledger: insufficient position in %s: requested %s, held %s",
		e.InstrumentKey, e.Requested.String(), e.Held.String())
}

// PriceLookup prices one instrument at the snapshot's single as-of
// timestamp during valuation.
type PriceLookup func(ctx context.Context, instrumentKey string, asOf time.Time) (decimal.Decimal, error)

// Ledger applies fills to and valuates session portfolios. Callers must
// hold the per-session lock across ApplyFill; the ledger itself does not
// serialize.
type Ledger struct {
	store store.Store
}

// New creates a ledger backed by the given store.
func New(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// ApplyFill applies one executed order to the session's cash and
// positions. The order carries the fill: instrument key, side, quantity,
// executed price, and fee; the fee is debited from cash on both sides.
// The session's CurrentBalance is mutated in place and persisted together
// with the position and the order row in a single atomic store write, so
// an infrastructure failure leaves the ledger untouched and the fill safe
// to retry.
//
// BUY requires cash >= quantity*price + fee; on success the position's
// average cost becomes the weighted average of all BUY fills. SELL
// requires held quantity >= quantity; realized PnL is
// (price - averagePrice) * quantity and the average price is unchanged.
func (l *Ledger) ApplyFill(ctx context.Context, sess *model.ChallengeSession, o *model.Order) (*model.PortfolioPosition, error) {
	instrumentKey := o.InstrumentKey
	side := o.Side
	quantity, price, fee := o.Quantity, o.ExecutedPrice, o.Fee

	pos, err := l.store.GetPosition(ctx, sess.ID, instrumentKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load position: %w", err)
		}
		pos = &model.PortfolioPosition{
			SessionID:     sess.ID,
			InstrumentKey: instrumentKey,
		}
	}
	if pos.Quantity.IsNegative() {
		slog.Error("negative position quantity in store",
			"session", sess.ID, "instrument", instrumentKey, "quantity", pos.Quantity.String())
		return nil, fmt.Errorf("%w: negative quantity for %s", ErrCorruptLedger, instrumentKey)
	}

	notional := quantity.Mul(price)

	switch side {
	case model.SideBuy:
		required := notional.Add(fee)
		if sess.CurrentBalance.LessThan(required) {
			return nil, &InsufficientBalanceError{Required: required, Available: sess.CurrentBalance}
		}

		// Weighted-average cost over all BUY fills.
		oldCost := pos.Quantity.Mul(pos.AveragePrice)
		newQty := pos.Quantity.Add(quantity)
		pos.AveragePrice = oldCost.Add(notional).Div(newQty)
		pos.Quantity = newQty
		sess.CurrentBalance = sess.CurrentBalance.Sub(required)

	case model.SideSell:
		if pos.Quantity.LessThan(quantity) {
			return nil, &InsufficientPositionError{
				InstrumentKey: instrumentKey,
				Requested:     quantity,
				Held:          pos.Quantity,
			}
		}

		pos.Quantity = pos.Quantity.Sub(quantity)
		pos.RealizedPnL = pos.RealizedPnL.Add(price.Sub(pos.AveragePrice).Mul(quantity))
		sess.CurrentBalance = sess.CurrentBalance.Add(notional).Sub(fee)

	default:
		return nil, fmt.Errorf("ledger: unknown side %q", side)
	}

	if sess.CurrentBalance.IsNegative() {
		slog.Error("fill would drive balance negative",
			"session", sess.ID, "balance", sess.CurrentBalance.String())
		return nil, fmt.Errorf("%w: negative balance", ErrCorruptLedger)
	}

	pos.UpdatedAt = time.Now().UTC()

	// Zero-quantity positions are removed, not kept as zero rows.
	deletePos := pos.Quantity.IsZero() && side == model.SideSell
	if err := l.store.CommitFill(ctx, sess, pos, deletePos, o); err != nil {
		return nil, fmt.Errorf("commit fill: %w", err)
	}
	return pos, nil
}

// Valuate produces a consistent snapshot of the session's portfolio with
// every position priced at the single asOf timestamp. It is a pure read.
func (l *Ledger) Valuate(ctx context.Context, sess *model.ChallengeSession, asOf time.Time, lookup PriceLookup) (*model.PortfolioSnapshot, error) {
	positions, err := l.store.ListPositions(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	snap := &model.PortfolioSnapshot{
		SessionID:   sess.ID,
		AsOf:        asOf,
		CashBalance: sess.CurrentBalance,
		Positions:   make([]model.PositionValue, 0, len(positions)),
		TotalValue:  sess.CurrentBalance,
	}

	for _, pos := range positions {
		if pos.Quantity.IsNegative() {
			slog.Error("negative position quantity in store",
				"session", sess.ID, "instrument", pos.InstrumentKey)
			return nil, fmt.Errorf("%w: negative quantity for %s", ErrCorruptLedger, pos.InstrumentKey)
		}

		price, err := lookup(ctx, pos.InstrumentKey, asOf)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", pos.InstrumentKey, err)
		}

		value := pos.Quantity.Mul(price)
		snap.Positions = append(snap.Positions, model.PositionValue{
			PortfolioPosition: pos,
			CurrentPrice:      price,
			CurrentValue:      value,
			UnrealizedPnL:     value.Sub(pos.Quantity.Mul(pos.AveragePrice)),
		})
		snap.TotalValue = snap.TotalValue.Add(value)
	}

	snap.TotalPnL = snap.TotalValue.Sub(sess.SeedBalance)
	if sess.SeedBalance.IsPositive() {
		snap.ReturnPercentage = snap.TotalPnL.
			Div(sess.SeedBalance).
			Mul(decimal.NewFromInt(100)).
			Round(4)
	}
	return snap, nil
}
