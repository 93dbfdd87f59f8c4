// Package pricing supplies historical OHLCV bars to the execution engine
// and portfolio valuation. Prices are replayed from a dataset, never
// derived from submitted orders.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seongmin1117/stock-quest-sub011/internal/masking"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

// ErrMarketDataUnavailable is returned when the bar lookup times out or
// the dataset has no bar for the requested instrument/time. The caller
// fails the order; there is no stale-price fallback.
var ErrMarketDataUnavailable = errors.New("pricing: market data unavailable")

// Source returns the bar for a masked instrument at a simulated timestamp.
type Source interface {
	GetBar(ctx context.Context, challengeID, instrumentKey string, asOf time.Time) (model.Bar, error)
}

// StoreSource resolves masked keys through the registry and reads bars
// from the historical dataset with a bounded timeout.
type StoreSource struct {
	store    store.Store
	registry *masking.Registry
	timeout  time.Duration
}

// NewStoreSource creates a store-backed price source. A non-positive
// timeout defaults to 2s.
func NewStoreSource(st store.Store, registry *masking.Registry, timeout time.Duration) *StoreSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &StoreSource{store: st, registry: registry, timeout: timeout}
}

// GetBar implements Source. Unknown keys surface as the registry's error;
// lookup timeouts and missing bars surface as ErrMarketDataUnavailable.
func (s *StoreSource) GetBar(ctx context.Context, challengeID, instrumentKey string, asOf time.Time) (model.Bar, error) {
	mapping, err := s.registry.Resolve(ctx, challengeID, instrumentKey)
	if err != nil {
		return model.Bar{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bar, err := s.store.GetBarAt(ctx, mapping.ActualTicker, asOf)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, store.ErrBarNotFound) {
			return model.Bar{}, fmt.Errorf("%w: %s at %s: %v",
				ErrMarketDataUnavailable, instrumentKey, asOf.Format(time.RFC3339), err)
		}
		return model.Bar{}, fmt.Errorf("%w: %v", ErrMarketDataUnavailable, err)
	}
	return *bar, nil
}
