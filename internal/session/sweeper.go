package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seongmin1117/stock-quest-sub011/internal/metrics"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

// Sweeper cancels READY sessions older than a cutoff in bulk. It pages
// through candidates and takes only the lock of the session currently
// being cancelled, never a global lock, so it can run concurrently with
// active trading on other sessions.
type Sweeper struct {
	store    store.Store
	machine  *Machine
	locks    *KeyedLocks
	maxAge   time.Duration
	interval time.Duration
	pageSize int
}

// NewSweeper creates a sweeper. Non-positive maxAge defaults to 24h,
// interval to 5m, pageSize to 100.
func NewSweeper(st store.Store, machine *Machine, locks *KeyedLocks, maxAge, interval time.Duration, pageSize int) *Sweeper {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Sweeper{
		store:    st,
		machine:  machine,
		locks:    locks,
		maxAge:   maxAge,
		interval: interval,
		pageSize: pageSize,
	}
}

// Run sweeps periodically until the context is cancelled. Call in a
// goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Error("stale session sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("stale sessions swept", "count", n)
			}
		}
	}
}

// Sweep cancels every READY session older than the cutoff and returns
// how many it cancelled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	swept := 0
	offset := 0

	for {
		page, err := s.store.ListStaleReadySessions(ctx, cutoff, s.pageSize, offset)
		if err != nil {
			return swept, err
		}
		if len(page) == 0 {
			return swept, nil
		}

		for _, stale := range page {
			if err := s.sweepOne(ctx, stale.ID); err != nil {
				// Racing a concurrent start is expected; skip and move on.
				if errors.Is(err, ErrInvalidSessionState) {
					continue
				}
				return swept, err
			}
			swept++
			metrics.StaleSessionsSwept.Inc()
		}

		// Cancelled rows leave the READY result set, so the next page
		// starts from the same offset.
		if len(page) < s.pageSize {
			return swept, nil
		}
	}
}

// sweepOne cancels a single stale session under its own lock, re-reading
// the row first in case it was started or cancelled concurrently.
func (s *Sweeper) sweepOne(ctx context.Context, sessionID string) error {
	lock := s.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionReady {
		return ErrInvalidSessionState
	}
	return s.machine.ForceEnd(ctx, sess)
}
