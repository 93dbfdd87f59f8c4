package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/seongmin1117/stock-quest-sub011/internal/ledger"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLedger(t *testing.T, seed float64) (*ledger.Ledger, *model.ChallengeSession, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	sess := &model.ChallengeSession{
		ID:             "sess1",
		ChallengeID:    "ch1",
		UserID:         "user1",
		Status:         model.SessionActive,
		SeedBalance:    d(seed),
		CurrentBalance: d(seed),
		SpeedFactor:    1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return ledger.New(ms), sess, ms
}

// fill builds an executed order carrying the given fill parameters.
func fill(sess *model.ChallengeSession, key string, side model.OrderSide, qty, price, fee decimal.Decimal) *model.Order {
	now := time.Now().UTC()
	return &model.Order{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		InstrumentKey: key,
		Side:          side,
		Type:          model.TypeMarket,
		Quantity:      qty,
		Status:        model.OrderExecuted,
		ExecutedPrice: price,
		Fee:           fee,
		OrderedAt:     now,
		ExecutedAt:    &now,
	}
}

func mustFill(t *testing.T, l *ledger.Ledger, sess *model.ChallengeSession, key string, side model.OrderSide, qty, price float64) *model.PortfolioPosition {
	t.Helper()
	pos, err := l.ApplyFill(context.Background(), sess, fill(sess, key, side, d(qty), d(price), decimal.Zero))
	if err != nil {
		t.Fatalf("fill %s %v x%v @ %v: %v", key, side, qty, price, err)
	}
	return pos
}

func TestApplyFill_BuyThenSellScenario(t *testing.T) {
	l, sess, _ := newTestLedger(t, 1_000_000)

	// BUY 10 @ 100.50 (market fill with slippage already applied).
	pos := mustFill(t, l, sess, "A", model.SideBuy, 10, 100.50)

	if !sess.CurrentBalance.Equal(d(998_995)) {
		t.Errorf("expected cash 998995 after buy, got %s", sess.CurrentBalance)
	}
	if !pos.Quantity.Equal(d(10)) || !pos.AveragePrice.Equal(d(100.50)) {
		t.Errorf("expected position {qty=10, avg=100.50}, got {%s, %s}", pos.Quantity, pos.AveragePrice)
	}

	// SELL 5 @ 109.45.
	pos = mustFill(t, l, sess, "A", model.SideSell, 5, 109.45)

	if !sess.CurrentBalance.Equal(d(999_542.25)) {
		t.Errorf("expected cash 999542.25 after sell, got %s", sess.CurrentBalance)
	}
	if !pos.Quantity.Equal(d(5)) {
		t.Errorf("expected qty 5, got %s", pos.Quantity)
	}
	if !pos.AveragePrice.Equal(d(100.50)) {
		t.Errorf("sell must not move average price: got %s", pos.AveragePrice)
	}
	if !pos.RealizedPnL.Equal(d(44.75)) {
		t.Errorf("expected realized PnL 44.75, got %s", pos.RealizedPnL)
	}
}

func TestApplyFill_InsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	l, sess, ms := newTestLedger(t, 1_000_000)

	_, err := l.ApplyFill(context.Background(), sess, fill(sess, "A", model.SideBuy, d(10_000), d(1_000), decimal.Zero))

	var insufficient *ledger.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !insufficient.Required.Equal(d(10_000_000)) || !insufficient.Available.Equal(d(1_000_000)) {
		t.Errorf("error must carry required vs available: %v", err)
	}
	if !sess.CurrentBalance.Equal(d(1_000_000)) {
		t.Errorf("balance must stay exactly 1000000, got %s", sess.CurrentBalance)
	}
	positions, _ := ms.ListPositions(context.Background(), sess.ID)
	if len(positions) != 0 {
		t.Errorf("no position may be created on rejection, got %d", len(positions))
	}
}

func TestApplyFill_InsufficientPosition(t *testing.T) {
	l, sess, _ := newTestLedger(t, 10_000)
	mustFill(t, l, sess, "A", model.SideBuy, 5, 100)

	balanceBefore := sess.CurrentBalance
	_, err := l.ApplyFill(context.Background(), sess, fill(sess, "A", model.SideSell, d(6), d(100), decimal.Zero))

	var insufficient *ledger.InsufficientPositionError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientPositionError, got %v", err)
	}
	if !sess.CurrentBalance.Equal(balanceBefore) {
		t.Errorf("rejected sell must not move cash: %s != %s", sess.CurrentBalance, balanceBefore)
	}
}

func TestApplyFill_SellWholePositionRemovesRow(t *testing.T) {
	l, sess, ms := newTestLedger(t, 10_000)
	mustFill(t, l, sess, "A", model.SideBuy, 5, 100)
	mustFill(t, l, sess, "A", model.SideSell, 5, 110)

	positions, _ := ms.ListPositions(context.Background(), sess.ID)
	if len(positions) != 0 {
		t.Errorf("zero-quantity position must be removed, got %d rows", len(positions))
	}

	// Re-buying starts a fresh cost basis, no stale-cost artifact.
	pos := mustFill(t, l, sess, "A", model.SideBuy, 2, 50)
	if !pos.AveragePrice.Equal(d(50)) {
		t.Errorf("fresh position must not inherit old cost: got %s", pos.AveragePrice)
	}
}

func TestApplyFill_WeightedAverageIndependentOfSells(t *testing.T) {
	l, sess, _ := newTestLedger(t, 100_000)

	mustFill(t, l, sess, "A", model.SideBuy, 10, 100)
	mustFill(t, l, sess, "A", model.SideSell, 4, 120)
	pos := mustFill(t, l, sess, "A", model.SideBuy, 6, 50)

	// avg = (6*100 + 6*50) / 12 = 75
	if !pos.AveragePrice.Equal(d(75)) {
		t.Errorf("expected avg 75, got %s", pos.AveragePrice)
	}
}

func TestApplyFill_FeeDebitedOnBothSides(t *testing.T) {
	l, sess, _ := newTestLedger(t, 10_000)

	_, err := l.ApplyFill(context.Background(), sess, fill(sess, "A", model.SideBuy, d(10), d(100), d(1.50)))
	if err != nil {
		t.Fatalf("buy with fee: %v", err)
	}
	if !sess.CurrentBalance.Equal(d(8_998.50)) {
		t.Errorf("expected 8998.50 after buy+fee, got %s", sess.CurrentBalance)
	}

	_, err = l.ApplyFill(context.Background(), sess, fill(sess, "A", model.SideSell, d(10), d(100), d(1.50)))
	if err != nil {
		t.Fatalf("sell with fee: %v", err)
	}
	if !sess.CurrentBalance.Equal(d(9_997)) {
		t.Errorf("expected 9997 after round trip with fees, got %s", sess.CurrentBalance)
	}
}

func TestValuate_SingleTimestampSnapshot(t *testing.T) {
	l, sess, _ := newTestLedger(t, 10_000)
	mustFill(t, l, sess, "A", model.SideBuy, 10, 100)
	mustFill(t, l, sess, "B", model.SideBuy, 20, 50)

	asOf := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	prices := map[string]decimal.Decimal{"A": d(110), "B": d(40)}

	var lookups []time.Time
	snap, err := l.Valuate(context.Background(), sess, asOf, func(_ context.Context, key string, ts time.Time) (decimal.Decimal, error) {
		lookups = append(lookups, ts)
		return prices[key], nil
	})
	if err != nil {
		t.Fatalf("valuate: %v", err)
	}

	for _, ts := range lookups {
		if !ts.Equal(asOf) {
			t.Errorf("all positions must be priced at the same as-of, got %v", ts)
		}
	}

	// cash 8000 + A 1100 + B 800 = 9900
	if !snap.TotalValue.Equal(d(9_900)) {
		t.Errorf("expected total 9900, got %s", snap.TotalValue)
	}
	if !snap.TotalPnL.Equal(d(-100)) {
		t.Errorf("expected pnl -100, got %s", snap.TotalPnL)
	}
	if !snap.ReturnPercentage.Equal(d(-1)) {
		t.Errorf("expected return -1%%, got %s", snap.ReturnPercentage)
	}
}

func TestValuate_PriceLookupFailureFailsSnapshot(t *testing.T) {
	l, sess, _ := newTestLedger(t, 10_000)
	mustFill(t, l, sess, "A", model.SideBuy, 10, 100)

	boom := errors.New("dataset gone")
	_, err := l.Valuate(context.Background(), sess, time.Now(), func(context.Context, string, time.Time) (decimal.Decimal, error) {
		return decimal.Zero, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("valuation must fail, not guess a price: %v", err)
	}
}

func TestApplyFill_PersistsOrderWithLedgerState(t *testing.T) {
	l, sess, ms := newTestLedger(t, 10_000)
	ctx := context.Background()

	o := fill(sess, "A", model.SideBuy, d(5), d(100), decimal.Zero)
	if _, err := l.ApplyFill(ctx, sess, o); err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	orders, _ := ms.ListOrdersBySession(ctx, sess.ID)
	if len(orders) != 1 || orders[0].ID != o.ID {
		t.Fatalf("the fill must land with its order row, got %d orders", len(orders))
	}
	stored, _ := ms.GetSession(ctx, sess.ID)
	if !stored.CurrentBalance.Equal(d(9_500)) {
		t.Errorf("expected stored balance 9500, got %s", stored.CurrentBalance)
	}
	positions, _ := ms.ListPositions(ctx, sess.ID)
	if len(positions) != 1 || !positions[0].Quantity.Equal(d(5)) {
		t.Errorf("expected one position of qty 5, got %v", positions)
	}
}

// failingCommitStore refuses the atomic fill write, standing in for an
// infrastructure failure mid-fill.
type failingCommitStore struct {
	store.Store
}

func (s *failingCommitStore) CommitFill(context.Context, *model.ChallengeSession, *model.PortfolioPosition, bool, *model.Order) error {
	return errors.New("commit fill: store unavailable")
}

func TestApplyFill_CommitFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	sess := &model.ChallengeSession{
		ID:             "sess1",
		ChallengeID:    "ch1",
		UserID:         "user1",
		Status:         model.SessionActive,
		SeedBalance:    d(10_000),
		CurrentBalance: d(10_000),
		SpeedFactor:    1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreateSession(ctx, sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	l := ledger.New(&failingCommitStore{Store: ms})

	_, err := l.ApplyFill(ctx, sess, fill(sess, "A", model.SideBuy, d(10), d(100), decimal.Zero))
	if err == nil {
		t.Fatal("expected the commit failure to surface")
	}

	// Nothing may have landed: a retry re-reads this clean state.
	stored, _ := ms.GetSession(ctx, sess.ID)
	if !stored.CurrentBalance.Equal(d(10_000)) {
		t.Errorf("stored balance must stay 10000, got %s", stored.CurrentBalance)
	}
	positions, _ := ms.ListPositions(ctx, sess.ID)
	if len(positions) != 0 {
		t.Errorf("no position may land on a failed commit, got %d", len(positions))
	}
	orders, _ := ms.ListOrdersBySession(ctx, sess.ID)
	if len(orders) != 0 {
		t.Errorf("no order row may land on a failed commit, got %d", len(orders))
	}
}
