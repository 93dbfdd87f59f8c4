package leaderboard

import (
	"context"
	"log/slog"
	"time"
)

// Job periodically recomputes the leaderboard of every known challenge.
// Order execution never waits on it; a rank computed one tick stale is
// corrected on the next cycle.
type Job struct {
	ranker   *Ranker
	interval time.Duration
}

func NewJob(ranker *Ranker, interval time.Duration) *Job {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Job{ranker: ranker, interval: interval}
}

// Run recomputes on a fixed interval until the context is cancelled.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("leaderboard job started", "interval", j.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("leaderboard job stopped")
			return
		case <-ticker.C:
			j.RecomputeAll(ctx)
		}
	}
}

// RecomputeAll rebuilds every challenge's leaderboard. One failing
// challenge does not stop the others.
func (j *Job) RecomputeAll(ctx context.Context) {
	ids, err := j.ranker.store.ListChallengeIDs(ctx)
	if err != nil {
		slog.Error("leaderboard: list challenges", "error", err)
		return
	}
	for _, id := range ids {
		if _, err := j.ranker.Recompute(ctx, id); err != nil {
			slog.Error("leaderboard: recompute", "challenge", id, "error", err)
		}
	}
}
