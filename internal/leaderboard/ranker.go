// Package leaderboard ranks a challenge's sessions by return percentage.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seongmin1117/stock-quest-sub011/internal/ledger"
	"github.com/seongmin1117/stock-quest-sub011/internal/metrics"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/pricing"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

// Ranker recomputes challenge leaderboards from session state. Each
// recompute replaces the whole snapshot; rows are never patched in place.
type Ranker struct {
	store  store.Store
	ledger *ledger.Ledger
	source pricing.Source
}

func NewRanker(st store.Store, l *ledger.Ledger, src pricing.Source) *Ranker {
	return &Ranker{store: st, ledger: l, source: src}
}

// Recompute rebuilds one challenge's leaderboard. COMPLETED sessions rank
// by their frozen final return rate; ACTIVE sessions are valued live at
// their current simulated timestamp. READY, PAUSED, and CANCELLED sessions
// do not appear.
func (r *Ranker) Recompute(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	sessions, err := r.store.ListSessionsByChallenge(ctx, challengeID,
		model.SessionActive, model.SessionCompleted)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	// The previous snapshot backs sessions that cannot be valued this
	// cycle, so a transient pricing failure does not drop a participant
	// from the board.
	previous := make(map[string]model.LeaderboardEntry)
	if prev, err := r.store.GetLeaderboard(ctx, challengeID); err == nil {
		for _, e := range prev {
			previous[e.SessionID] = e
		}
	}

	now := time.Now().UTC()
	entries := make([]model.LeaderboardEntry, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		pnl, rate, err := r.sessionFigures(ctx, sess, now)
		if err != nil {
			last, ok := previous[sess.ID]
			if !ok {
				// Never ranked and unpriceable: nothing to carry, the
				// session sits this snapshot out rather than failing
				// the whole recompute.
				slog.Warn("leaderboard: skipping session",
					"session", sess.ID, "error", err)
				continue
			}
			slog.Warn("leaderboard: holding last ranked figures",
				"session", sess.ID, "error", err)
			pnl, rate = last.PnL, last.ReturnPercentage
		}
		entries = append(entries, model.LeaderboardEntry{
			ChallengeID:      challengeID,
			SessionID:        sess.ID,
			UserID:           sess.UserID,
			PnL:              pnl,
			ReturnPercentage: rate,
			CalculatedAt:     now,
		})
	}

	// Highest return first; equal returns break by session ID so the
	// ordering is stable across recomputes.
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ReturnPercentage.Equal(entries[j].ReturnPercentage) {
			return entries[i].ReturnPercentage.GreaterThan(entries[j].ReturnPercentage)
		}
		return entries[i].SessionID < entries[j].SessionID
	})
	// Ranks are always the permutation 1..N; ties resolve through the
	// sort's tie-break rather than sharing a rank.
	for i := range entries {
		entries[i].Rank = i + 1
	}

	if err := r.store.ReplaceLeaderboard(ctx, challengeID, entries); err != nil {
		return nil, fmt.Errorf("replace leaderboard: %w", err)
	}
	metrics.LeaderboardRecomputes.Inc()
	return entries, nil
}

func (r *Ranker) sessionFigures(ctx context.Context, sess *model.ChallengeSession, now time.Time) (pnl, rate decimal.Decimal, err error) {
	if sess.Status == model.SessionCompleted {
		return sess.FinalBalance.Sub(sess.SeedBalance), sess.FinalReturnRate, nil
	}

	asOf := pricing.SimulatedNow(sess, now)
	snap, err := r.ledger.Valuate(ctx, sess, asOf, func(ctx context.Context, key string, at time.Time) (decimal.Decimal, error) {
		bar, err := r.source.GetBar(ctx, sess.ChallengeID, key, at)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return bar.Close, nil
	})
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return snap.TotalPnL, snap.ReturnPercentage, nil
}
