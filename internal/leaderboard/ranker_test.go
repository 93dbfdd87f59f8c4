package leaderboard_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/seongmin1117/stock-quest-sub011/internal/leaderboard"
	"github.com/seongmin1117/stock-quest-sub011/internal/ledger"
	"github.com/seongmin1117/stock-quest-sub011/internal/masking"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/pricing"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type rankerEnv struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	ranker *leaderboard.Ranker
}

func newRankerEnv(t *testing.T) *rankerEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	reg := masking.NewRegistry(ms)
	ctx := context.Background()

	if _, err := reg.Assign(ctx, "ch1", []masking.Instrument{
		{Ticker: "AAPL", Name: "Apple", Type: model.InstrumentStock},
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := ms.InsertBars(ctx, []model.Bar{{
		Ticker:    "AAPL",
		Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Open:      d(100), High: d(100), Low: d(100), Close: d(100),
		Volume: decimal.NewFromInt(1_000),
	}}); err != nil {
		t.Fatalf("seed bars: %v", err)
	}

	l := ledger.New(ms)
	src := pricing.NewStoreSource(ms, reg, time.Second)
	return &rankerEnv{store: ms, ledger: l, ranker: leaderboard.NewRanker(ms, l, src)}
}

// seedSession creates a session directly in the store in the given status.
// COMPLETED sessions get frozen finals derived from finalBalance.
func (e *rankerEnv) seedSession(t *testing.T, id string, status model.SessionStatus, finalBalance float64) {
	t.Helper()
	seed := d(1_000_000)
	sess := &model.ChallengeSession{
		ID:             id,
		ChallengeID:    "ch1",
		UserID:         "user-" + id,
		Status:         status,
		SeedBalance:    seed,
		CurrentBalance: seed,
		SpeedFactor:    60,
		PeriodStart:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2020, 1, 29, 0, 0, 0, 0, time.UTC),
		CreatedAt:      time.Now().UTC(),
	}
	if status == model.SessionCompleted {
		sess.FinalBalance = d(finalBalance)
		sess.FinalReturnRate = sess.FinalBalance.Sub(seed).Div(seed).Mul(d(100)).Round(4)
	}
	if status == model.SessionActive {
		sess.CurrentBalance = d(finalBalance)
		sess.StartedAt = time.Now().UTC()
	}
	if err := e.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
}

func TestRecompute_OrdersByReturnDescending(t *testing.T) {
	env := newRankerEnv(t)
	env.seedSession(t, "s1", model.SessionCompleted, 1_050_000) // +5%
	env.seedSession(t, "s2", model.SessionCompleted, 900_000)   // -10%
	env.seedSession(t, "s3", model.SessionCompleted, 1_200_000) // +20%

	entries, err := env.ranker.Recompute(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	wantOrder := []string{"s3", "s1", "s2"}
	for i, want := range wantOrder {
		if entries[i].SessionID != want {
			t.Errorf("rank %d: got %s, want %s", i+1, entries[i].SessionID, want)
		}
		if entries[i].Rank != i+1 {
			t.Errorf("entry %s: rank %d, want %d", entries[i].SessionID, entries[i].Rank, i+1)
		}
	}
	if !entries[0].PnL.Equal(d(200_000)) {
		t.Errorf("top PnL %s, want 200000", entries[0].PnL)
	}
}

func TestRecompute_ExcludesNonRankedStatuses(t *testing.T) {
	env := newRankerEnv(t)
	env.seedSession(t, "s1", model.SessionCompleted, 1_050_000)
	env.seedSession(t, "s2", model.SessionReady, 0)
	env.seedSession(t, "s3", model.SessionCancelled, 0)
	env.seedSession(t, "s4", model.SessionPaused, 0)

	entries, err := env.ranker.Recompute(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != "s1" {
		t.Fatalf("only the completed session should rank, got %+v", entries)
	}
}

func TestRecompute_ActiveSessionsValuedLive(t *testing.T) {
	env := newRankerEnv(t)
	// Active all-cash session sitting on 1,100,000: +10% live return.
	env.seedSession(t, "s1", model.SessionActive, 1_100_000)
	env.seedSession(t, "s2", model.SessionCompleted, 1_050_000)

	entries, err := env.ranker.Recompute(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].SessionID != "s1" {
		t.Errorf("live +10%% session must outrank frozen +5%%, got %s first", entries[0].SessionID)
	}
	if !entries[0].ReturnPercentage.Equal(d(10).Round(4)) {
		t.Errorf("live return %s, want 10", entries[0].ReturnPercentage)
	}
}

func TestRecompute_TiesBreakBySessionID(t *testing.T) {
	env := newRankerEnv(t)
	env.seedSession(t, "s2", model.SessionCompleted, 1_050_000)
	env.seedSession(t, "s1", model.SessionCompleted, 1_050_000)

	entries, err := env.ranker.Recompute(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if entries[0].SessionID != "s1" || entries[1].SessionID != "s2" {
		t.Errorf("tied returns must order by session ID: %s, %s",
			entries[0].SessionID, entries[1].SessionID)
	}
	if entries[0].Rank == entries[1].Rank {
		t.Error("tied sessions must still hold distinct ranks")
	}
}

func TestRecompute_ReplacesStoredSnapshot(t *testing.T) {
	env := newRankerEnv(t)
	env.seedSession(t, "s1", model.SessionCompleted, 1_050_000)
	env.seedSession(t, "s2", model.SessionCompleted, 1_100_000)

	ctx := context.Background()
	if _, err := env.ranker.Recompute(ctx, "ch1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	// s2 falls behind after its figures are rewritten.
	sess, err := env.store.GetSession(ctx, "s2")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	sess.FinalBalance = d(900_000)
	sess.FinalReturnRate = d(-10)
	if err := env.store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("update session: %v", err)
	}

	if _, err := env.ranker.Recompute(ctx, "ch1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	stored, err := env.store.GetLeaderboard(ctx, "ch1")
	if err != nil {
		t.Fatalf("get leaderboard: %v", err)
	}
	if len(stored) != 2 || stored[0].SessionID != "s1" || stored[1].SessionID != "s2" {
		t.Errorf("snapshot must reflect the rewrite: %+v", stored)
	}
}

func TestProperty_RanksAreDensePermutationAndStable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		env := newRankerEnv(t)
		n := rapid.IntRange(1, 20).Draw(rt, "sessions")
		for i := 0; i < n; i++ {
			// Coarse balances make return-rate ties likely.
			balance := float64(rapid.IntRange(90, 110).Draw(rt, fmt.Sprintf("bal%d", i))) * 10_000
			env.seedSession(t, fmt.Sprintf("s%02d", i), model.SessionCompleted, balance)
		}

		first, err := env.ranker.Recompute(context.Background(), "ch1")
		if err != nil {
			rt.Fatalf("recompute: %v", err)
		}

		seen := make(map[int]bool, len(first))
		for i, e := range first {
			if e.Rank < 1 || e.Rank > len(first) || seen[e.Rank] {
				rt.Fatalf("ranks must be a permutation of 1..%d: %+v", len(first), first)
			}
			seen[e.Rank] = true
			if i > 0 && first[i].ReturnPercentage.GreaterThan(first[i-1].ReturnPercentage) {
				rt.Fatalf("entries out of order at %d: %+v", i, first)
			}
		}

		second, err := env.ranker.Recompute(context.Background(), "ch1")
		if err != nil {
			rt.Fatalf("second recompute: %v", err)
		}
		for i := range second {
			second[i].CalculatedAt = first[i].CalculatedAt
		}
		if !reflect.DeepEqual(first, second) {
			rt.Fatalf("recompute with no state change must be stable:\n%+v\n%+v", first, second)
		}
	})
}

func TestRecompute_CarriesUnpriceableSessionForward(t *testing.T) {
	env := newRankerEnv(t)
	ctx := context.Background()
	env.seedSession(t, "s1", model.SessionCompleted, 1_050_000)
	env.seedSession(t, "s2", model.SessionActive, 1_000_000)

	// s2 holds an instrument the registry does not know, so its live
	// valuation fails.
	if err := env.store.UpsertPosition(ctx, &model.PortfolioPosition{
		SessionID:     "s2",
		InstrumentKey: "Z",
		Quantity:      d(10),
		AveragePrice:  d(100),
		UpdatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	// Never ranked before: the unpriceable session sits this cycle out.
	entries, err := env.ranker.Recompute(ctx, "ch1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != "s1" {
		t.Fatalf("expected only s1 on the first cycle, got %d entries", len(entries))
	}

	// Once ranked, the last figures carry forward through a pricing
	// outage instead of dropping the participant.
	prev := []model.LeaderboardEntry{{
		ChallengeID:      "ch1",
		SessionID:        "s2",
		UserID:           "user-s2",
		Rank:             1,
		PnL:              d(120_000),
		ReturnPercentage: d(12),
		CalculatedAt:     time.Now().UTC(),
	}}
	if err := env.store.ReplaceLeaderboard(ctx, "ch1", prev); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	entries, err = env.ranker.Recompute(ctx, "ch1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both sessions ranked, got %d", len(entries))
	}
	if entries[0].SessionID != "s2" || !entries[0].ReturnPercentage.Equal(d(12)) {
		t.Errorf("s2 must rank at its carried return of 12, got %s at %s",
			entries[0].SessionID, entries[0].ReturnPercentage)
	}
	if !entries[0].PnL.Equal(d(120_000)) {
		t.Errorf("carried PnL must be 120000, got %s", entries[0].PnL)
	}
}
