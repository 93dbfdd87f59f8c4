// Package model defines the core domain types shared across the challenge
// trading engine. All monetary values use shopspring/decimal — never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a ChallengeSession.
type SessionStatus string

const (
	SessionReady     SessionStatus = "READY"
	SessionActive    SessionStatus = "ACTIVE"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the terminal disposition of an order. Orders resolve
// synchronously, so PENDING is only ever observed inside the engine.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderExecuted OrderStatus = "EXECUTED"
	OrderRejected OrderStatus = "REJECTED"
)

// Rejection reason codes. These are expected business outcomes carried on
// a REJECTED order, not errors that abort the caller's flow.
const (
	ReasonLimitNotMet          = "LIMIT_NOT_MET"
	ReasonInsufficientBalance  = "INSUFFICIENT_BALANCE"
	ReasonInsufficientPosition = "INSUFFICIENT_POSITION"
)

// InstrumentType classifies a masked instrument.
type InstrumentType string

const (
	InstrumentStock InstrumentType = "STOCK"
	InstrumentETF   InstrumentType = "ETF"
	InstrumentBond  InstrumentType = "BOND"
)

// ChallengeSession is one user's participation in a challenge. It owns its
// ledger (cash + positions) exclusively. Immutable once COMPLETED.
type ChallengeSession struct {
	ID              string          `json:"id" db:"id"`
	ChallengeID     string          `json:"challenge_id" db:"challenge_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Status          SessionStatus   `json:"status" db:"status"`
	SeedBalance     decimal.Decimal `json:"seed_balance" db:"seed_balance"`
	CurrentBalance  decimal.Decimal `json:"current_balance" db:"current_balance"`
	SpeedFactor     int             `json:"speed_factor" db:"speed_factor"`
	PeriodStart     time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd       time.Time       `json:"period_end" db:"period_end"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	FinalBalance    decimal.Decimal `json:"final_balance" db:"final_balance"`
	FinalReturnRate decimal.Decimal `json:"final_return_rate" db:"final_return_rate"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// InstrumentMapping links a single-letter masked key to a real ticker for
// one challenge. The real identity stays hidden until the one-time reveal.
type InstrumentMapping struct {
	ChallengeID   string         `json:"challenge_id" db:"challenge_id"`
	InstrumentKey string         `json:"instrument_key" db:"instrument_key"`
	ActualTicker  string         `json:"actual_ticker,omitempty" db:"actual_ticker"`
	ActualName    string         `json:"actual_name,omitempty" db:"actual_name"`
	HiddenName    string         `json:"hidden_name" db:"hidden_name"`
	Type          InstrumentType `json:"type" db:"type"`
	Revealed      bool           `json:"revealed" db:"revealed"`
}

// Masked returns a client-safe copy with the real identity blanked while
// the mapping is unrevealed.
func (m InstrumentMapping) Masked() InstrumentMapping {
	if m.Revealed {
		return m
	}
	m.ActualTicker = ""
	m.ActualName = ""
	return m
}

// PortfolioPosition is one session's holding in one masked instrument.
// AveragePrice moves only on BUY fills (weighted-average cost); SELL fills
// change quantity and realized PnL only. Zero-quantity positions are
// removed rather than kept as zero rows.
type PortfolioPosition struct {
	SessionID     string          `json:"session_id" db:"session_id"`
	InstrumentKey string          `json:"instrument_key" db:"instrument_key"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a synchronously resolved buy/sell request. LIMIT orders either
// fill against the current bar or are rejected; no resting order book.
type Order struct {
	ID            string          `json:"id" db:"id"`
	SessionID     string          `json:"session_id" db:"session_id"`
	InstrumentKey string          `json:"instrument_key" db:"instrument_key"`
	Side          OrderSide       `json:"side" db:"side"`
	Type          OrderType       `json:"type" db:"type"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	Status        OrderStatus     `json:"status" db:"status"`
	Reason        string          `json:"reason,omitempty" db:"reason"`
	ExecutedPrice decimal.Decimal `json:"executed_price" db:"executed_price"`
	SlippageRate  decimal.Decimal `json:"slippage_rate" db:"slippage_rate"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	OrderedAt     time.Time       `json:"ordered_at" db:"ordered_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
}

// LeaderboardEntry is one row of a challenge's ranking snapshot. Entries
// are recomputed as a whole, never patched incrementally.
type LeaderboardEntry struct {
	ChallengeID      string          `json:"challenge_id" db:"challenge_id"`
	SessionID        string          `json:"session_id" db:"session_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Rank             int             `json:"rank" db:"rank"`
	PnL              decimal.Decimal `json:"pnl" db:"pnl"`
	ReturnPercentage decimal.Decimal `json:"return_percentage" db:"return_percentage"`
	CalculatedAt     time.Time       `json:"calculated_at" db:"calculated_at"`
}

// Bar is one OHLCV bar of the replayed historical dataset.
type Bar struct {
	Ticker    string          `json:"ticker" db:"ticker"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
}

// PositionValue is a position priced at a single as-of timestamp.
type PositionValue struct {
	PortfolioPosition
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PortfolioSnapshot is a consistent valuation of one session's ledger.
// Every position is priced at the same simulated timestamp.
type PortfolioSnapshot struct {
	SessionID        string          `json:"session_id"`
	AsOf             time.Time       `json:"as_of"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	Positions        []PositionValue `json:"positions"`
	TotalValue       decimal.Decimal `json:"total_value"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	ReturnPercentage decimal.Decimal `json:"return_percentage"`
}
