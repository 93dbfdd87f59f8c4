package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/seongmin1117/stock-quest-sub011/internal/ledger"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
)

// Property: for any sequence of accepted fills,
//
//	currentBalance + Σ(cost basis of held positions)
//	    == seedBalance + Σ(realized PnL) - Σ(fees)
//
// No value is created or destroyed by the ledger.
func TestProperty_LedgerConservesValue(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l, sess, ms := newTestLedger(t, 1_000_000)
		ctx := context.Background()

		keys := []string{"A", "B", "C"}
		totalRealized := decimal.Zero
		totalFees := decimal.Zero

		n := rapid.IntRange(1, 40).Draw(rt, "numFills")
		for i := 0; i < n; i++ {
			key := rapid.SampledFrom(keys).Draw(rt, fmt.Sprintf("key-%d", i))
			side := model.SideBuy
			if rapid.Bool().Draw(rt, fmt.Sprintf("sell-%d", i)) {
				side = model.SideSell
			}
			qty := decimal.NewFromInt(rapid.Int64Range(1, 50).Draw(rt, fmt.Sprintf("qty-%d", i)))
			// Price in cents to keep decimals exact.
			price := decimal.NewFromInt(rapid.Int64Range(100, 50_000).Draw(rt, fmt.Sprintf("px-%d", i))).Div(decimal.NewFromInt(100))
			fee := decimal.NewFromInt(rapid.Int64Range(0, 200).Draw(rt, fmt.Sprintf("fee-%d", i))).Div(decimal.NewFromInt(100))

			pos, err := l.ApplyFill(ctx, sess, fill(sess, key, side, qty, price, fee))
			if err != nil {
				var balErr *ledger.InsufficientBalanceError
				var posErr *ledger.InsufficientPositionError
				if errors.As(err, &balErr) || errors.As(err, &posErr) {
					continue // expected business rejection, no state change
				}
				rt.Fatalf("unexpected fill error: %v", err)
			}
			totalFees = totalFees.Add(fee)
			if side == model.SideSell {
				realized := price.Sub(pos.AveragePrice).Mul(qty)
				totalRealized = totalRealized.Add(realized)
			}
		}

		costBasis := decimal.Zero
		positions, err := ms.ListPositions(ctx, sess.ID)
		if err != nil {
			rt.Fatalf("list positions: %v", err)
		}
		for _, p := range positions {
			if p.Quantity.IsNegative() {
				rt.Fatalf("position %s went negative: %s", p.InstrumentKey, p.Quantity)
			}
			costBasis = costBasis.Add(p.Quantity.Mul(p.AveragePrice))
		}

		lhs := sess.CurrentBalance.Add(costBasis)
		rhs := sess.SeedBalance.Add(totalRealized).Sub(totalFees)

		// Weighted-average division can introduce rounding at the 16th
		// decimal place; allow that and nothing more.
		if lhs.Sub(rhs).Abs().GreaterThan(decimal.New(1, -10)) {
			rt.Fatalf("value not conserved: balance %s + basis %s != seed %s + realized %s - fees %s",
				sess.CurrentBalance, costBasis, sess.SeedBalance, totalRealized, totalFees)
		}

		if sess.CurrentBalance.IsNegative() {
			rt.Fatalf("balance went negative: %s", sess.CurrentBalance)
		}
	})
}
