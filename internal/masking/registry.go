// Package masking maps a challenge's real tickers to single-letter keys
// and back. Real identities stay hidden from every pre-close surface; the
// one-time reveal at session close is irreversible.
package masking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

var (
	// ErrTooManyInstruments is returned when a challenge assigns more
	// instruments than there are single-letter keys.
	ErrTooManyInstruments = errors.New("masking: challenge exceeds 26 instruments")

	// ErrAlreadyAssigned is returned on a second assignment for the same
	// challenge. The mapping is append-only until reveal.
	ErrAlreadyAssigned = errors.New("masking: instruments already assigned for challenge")

	// ErrUnknownInstrument is returned when a key does not belong to the
	// challenge.
	ErrUnknownInstrument = errors.New("masking: unknown instrument key")

	// ErrInvalidTicker is returned for a malformed real ticker.
	ErrInvalidTicker = errors.New("masking: invalid ticker format")
)

var tickerRegex = regexp.MustCompile(`^[A-Z0-9.]{1,10}$`)

// Instrument is one real instrument to be masked for a challenge.
type Instrument struct {
	Ticker     string
	Name       string
	HiddenName string
	Type       model.InstrumentType
}

// Registry assigns, resolves, and reveals masked instrument mappings.
// The mapping is owned by the challenge and shared read-only by all of
// its sessions; only the reveal flag ever changes after assignment.
type Registry struct {
	store store.Store
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// Assign maps the given instruments to keys 'A'..'Z' in input order.
// A challenge can be assigned exactly once.
func (r *Registry) Assign(ctx context.Context, challengeID string, instruments []Instrument) ([]model.InstrumentMapping, error) {
	if len(instruments) > 26 {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyInstruments, len(instruments))
	}

	existing, err := r.store.GetMappings(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("check existing mappings: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAssigned, challengeID)
	}

	mappings := make([]model.InstrumentMapping, 0, len(instruments))
	for i, ins := range instruments {
		if !tickerRegex.MatchString(ins.Ticker) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTicker, ins.Ticker)
		}
		hidden := ins.HiddenName
		if hidden == "" {
			hidden = fmt.Sprintf("Company %c", 'A'+i)
		}
		mappings = append(mappings, model.InstrumentMapping{
			ChallengeID:   challengeID,
			InstrumentKey: string(rune('A' + i)),
			ActualTicker:  ins.Ticker,
			ActualName:    ins.Name,
			HiddenName:    hidden,
			Type:          ins.Type,
		})
	}

	if err := r.store.InsertMappings(ctx, mappings); err != nil {
		return nil, fmt.Errorf("persist mappings: %w", err)
	}

	slog.Info("instruments assigned",
		"challenge", challengeID,
		"count", len(mappings),
	)
	return mappings, nil
}

// Resolve returns the full mapping for one key, revealed or not. It is
// for internal collaborators (price source, execution engine) only and
// must never back a pre-close client surface.
func (r *Registry) Resolve(ctx context.Context, challengeID, key string) (model.InstrumentMapping, error) {
	mappings, err := r.store.GetMappings(ctx, challengeID)
	if err != nil {
		return model.InstrumentMapping{}, fmt.Errorf("resolve %s/%s: %w", challengeID, key, err)
	}
	for _, m := range mappings {
		if m.InstrumentKey == key {
			return m, nil
		}
	}
	return model.InstrumentMapping{}, fmt.Errorf("%w: %s in challenge %s", ErrUnknownInstrument, key, challengeID)
}

// Masked returns the client-safe view of a challenge's mapping. While
// unrevealed, real ticker and name are blanked.
func (r *Registry) Masked(ctx context.Context, challengeID string) ([]model.InstrumentMapping, error) {
	mappings, err := r.store.GetMappings(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	out := make([]model.InstrumentMapping, len(mappings))
	for i, m := range mappings {
		out[i] = m.Masked()
	}
	return out, nil
}

// Reveal flips the visibility flag for a challenge and returns the full
// mapping. Revealing an already-revealed challenge is a no-op returning
// the same mapping, not an error; the bool reports whether this call
// performed the flip.
func (r *Registry) Reveal(ctx context.Context, challengeID string) ([]model.InstrumentMapping, bool, error) {
	mappings, err := r.store.GetMappings(ctx, challengeID)
	if err != nil {
		return nil, false, err
	}
	if len(mappings) == 0 {
		return nil, false, fmt.Errorf("%w: no mappings for challenge %s", store.ErrNotFound, challengeID)
	}

	if mappings[0].Revealed {
		return mappings, false, nil
	}

	if err := r.store.MarkRevealed(ctx, challengeID); err != nil {
		return nil, false, fmt.Errorf("reveal challenge %s: %w", challengeID, err)
	}
	slog.Info("instruments revealed", "challenge", challengeID)
	for i := range mappings {
		mappings[i].Revealed = true
	}
	return mappings, true, nil
}
