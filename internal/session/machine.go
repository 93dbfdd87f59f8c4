// Package session owns the ChallengeSession lifecycle: READY → ACTIVE →
// COMPLETED/CANCELLED with PAUSED between ACTIVE states. It enforces
// which operations are legal in which state and performs the one-time
// close that freezes the ledger and reveals instrument identities.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seongmin1117/stock-quest-sub011/internal/ledger"
	"github.com/seongmin1117/stock-quest-sub011/internal/masking"
	"github.com/seongmin1117/stock-quest-sub011/internal/metrics"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/pricing"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

var (
	// ErrInvalidSessionState is returned when an operation is not legal
	// in the session's current state.
	ErrInvalidSessionState = errors.New("session: operation not allowed in current state")

	// ErrSessionExpired is returned when the session's replay has
	// consumed its whole historical period.
	ErrSessionExpired = errors.New("session: historical period exhausted")

	// ErrBalanceNotSeeded is returned when starting a session whose seed
	// balance is not positive.
	ErrBalanceNotSeeded = errors.New("session: seed balance must be positive")
)

// ClosedEvent is emitted exactly once per session close, after the
// instrument reveal.
type ClosedEvent struct {
	SessionID       string                    `json:"session_id"`
	ChallengeID     string                    `json:"challenge_id"`
	UserID          string                    `json:"user_id"`
	FinalBalance    decimal.Decimal           `json:"final_balance"`
	FinalReturnRate decimal.Decimal           `json:"final_return_rate"`
	Instruments     []model.InstrumentMapping `json:"instruments"`
}

// Notifier receives close events. Pass nil to the machine to disable.
type Notifier interface {
	ChallengeClosed(ev ClosedEvent)
}

// Machine drives session lifecycle transitions. Callers must hold the
// per-session lock for mutating transitions on a live session; the
// machine validates state but does not serialize.
type Machine struct {
	store    store.Store
	ledger   *ledger.Ledger
	registry *masking.Registry
	source   pricing.Source
	notifier Notifier
}

// NewMachine creates a session lifecycle machine.
func NewMachine(st store.Store, l *ledger.Ledger, registry *masking.Registry, src pricing.Source, notifier Notifier) *Machine {
	return &Machine{
		store:    st,
		ledger:   l,
		registry: registry,
		source:   src,
		notifier: notifier,
	}
}

// Create persists a new READY session for one user's participation in a
// challenge.
func (m *Machine) Create(ctx context.Context, sess *model.ChallengeSession) error {
	sess.Status = model.SessionReady
	sess.CurrentBalance = sess.SeedBalance
	sess.CreatedAt = time.Now().UTC()
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Start moves READY → ACTIVE and anchors the replay clock.
func (m *Machine) Start(ctx context.Context, sess *model.ChallengeSession) error {
	if sess.Status != model.SessionReady {
		return fmt.Errorf("%w: start from %s", ErrInvalidSessionState, sess.Status)
	}
	if !sess.SeedBalance.IsPositive() {
		return ErrBalanceNotSeeded
	}

	sess.Status = model.SessionActive
	sess.StartedAt = time.Now().UTC()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	metrics.ActiveSessions.Inc()
	slog.Info("session started",
		"session", sess.ID, "challenge", sess.ChallengeID, "user", sess.UserID,
		"seed_balance", sess.SeedBalance.String(),
	)
	return nil
}

// EnsureTradable validates that an order may be placed right now.
func (m *Machine) EnsureTradable(sess *model.ChallengeSession, now time.Time) error {
	if sess.Status != model.SessionActive {
		return fmt.Errorf("%w: placeOrder in %s", ErrInvalidSessionState, sess.Status)
	}
	if pricing.Expired(sess, now) {
		return ErrSessionExpired
	}
	return nil
}

// Pause moves ACTIVE → PAUSED (admin or timeout driven).
func (m *Machine) Pause(ctx context.Context, sess *model.ChallengeSession) error {
	if sess.Status != model.SessionActive {
		return fmt.Errorf("%w: pause from %s", ErrInvalidSessionState, sess.Status)
	}
	sess.Status = model.SessionPaused
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	metrics.ActiveSessions.Dec()
	slog.Info("session paused", "session", sess.ID)
	return nil
}

// Resume moves PAUSED → ACTIVE.
func (m *Machine) Resume(ctx context.Context, sess *model.ChallengeSession) error {
	if sess.Status != model.SessionPaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidSessionState, sess.Status)
	}
	sess.Status = model.SessionActive
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	metrics.ActiveSessions.Inc()
	slog.Info("session resumed", "session", sess.ID)
	return nil
}

// ForceEnd moves READY or ACTIVE → CANCELLED (admin triggered). No final
// valuation is computed and nothing is revealed.
func (m *Machine) ForceEnd(ctx context.Context, sess *model.ChallengeSession) error {
	switch sess.Status {
	case model.SessionReady, model.SessionActive:
	default:
		return fmt.Errorf("%w: forceEnd from %s", ErrInvalidSessionState, sess.Status)
	}

	wasActive := sess.Status == model.SessionActive
	sess.Status = model.SessionCancelled
	now := time.Now().UTC()
	sess.CompletedAt = &now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}

	if wasActive {
		metrics.ActiveSessions.Dec()
	}
	metrics.SessionsClosed.WithLabelValues(string(model.SessionCancelled)).Inc()
	slog.Info("session cancelled", "session", sess.ID)
	return nil
}

// Close moves ACTIVE or PAUSED → COMPLETED: it performs the ledger's last
// valuation, freezes the final figures, reveals the challenge's real
// instrument identities, and emits the challenge_closed event. Closing an
// already COMPLETED session is a no-op returning the same finals.
func (m *Machine) Close(ctx context.Context, sess *model.ChallengeSession) error {
	if sess.Status == model.SessionCompleted {
		// A failure between persisting COMPLETED and revealing leaves the
		// challenge masked; Reveal is idempotent, so a retried close
		// finishes the job instead of skipping it.
		mappings, flipped, err := m.registry.Reveal(ctx, sess.ChallengeID)
		if err != nil {
			return fmt.Errorf("reveal instruments: %w", err)
		}
		if flipped {
			m.notifyClosed(sess, mappings)
		}
		return nil
	}
	switch sess.Status {
	case model.SessionActive, model.SessionPaused:
	default:
		return fmt.Errorf("%w: close from %s", ErrInvalidSessionState, sess.Status)
	}

	wasActive := sess.Status == model.SessionActive

	// Final valuation prices every remaining position at one timestamp:
	// the session's current point in the replayed period.
	asOf := pricing.SimulatedNow(sess, time.Now().UTC())
	snap, err := m.ledger.Valuate(ctx, sess, asOf, func(ctx context.Context, key string, at time.Time) (decimal.Decimal, error) {
		bar, err := m.source.GetBar(ctx, sess.ChallengeID, key, at)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return bar.Close, nil
	})
	if err != nil {
		return fmt.Errorf("final valuation: %w", err)
	}

	now := time.Now().UTC()
	sess.Status = model.SessionCompleted
	sess.CompletedAt = &now
	sess.FinalBalance = snap.TotalValue
	sess.FinalReturnRate = snap.ReturnPercentage
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	mappings, _, err := m.registry.Reveal(ctx, sess.ChallengeID)
	if err != nil {
		return fmt.Errorf("reveal instruments: %w", err)
	}

	if wasActive {
		metrics.ActiveSessions.Dec()
	}
	metrics.SessionsClosed.WithLabelValues(string(model.SessionCompleted)).Inc()
	slog.Info("session closed",
		"session", sess.ID,
		"challenge", sess.ChallengeID,
		"final_balance", sess.FinalBalance.String(),
		"final_return_rate", sess.FinalReturnRate.String(),
	)

	m.notifyClosed(sess, mappings)
	return nil
}

func (m *Machine) notifyClosed(sess *model.ChallengeSession, mappings []model.InstrumentMapping) {
	if m.notifier == nil {
		return
	}
	m.notifier.ChallengeClosed(ClosedEvent{
		SessionID:       sess.ID,
		ChallengeID:     sess.ChallengeID,
		UserID:          sess.UserID,
		FinalBalance:    sess.FinalBalance,
		FinalReturnRate: sess.FinalReturnRate,
		Instruments:     mappings,
	})
}
