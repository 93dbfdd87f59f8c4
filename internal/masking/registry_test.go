package masking_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seongmin1117/stock-quest-sub011/internal/masking"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

func instruments(tickers ...string) []masking.Instrument {
	ins := make([]masking.Instrument, len(tickers))
	for i, t := range tickers {
		ins[i] = masking.Instrument{Ticker: t, Name: t + " Inc.", Type: model.InstrumentStock}
	}
	return ins
}

func TestAssign_KeysInInputOrder(t *testing.T) {
	r := masking.NewRegistry(store.NewMemoryStore())

	mappings, err := r.Assign(context.Background(), "ch1", instruments("AAPL", "MSFT", "GOOG"))
	require.NoError(t, err)
	require.Len(t, mappings, 3)

	require.Equal(t, "A", mappings[0].InstrumentKey)
	require.Equal(t, "AAPL", mappings[0].ActualTicker)
	require.Equal(t, "B", mappings[1].InstrumentKey)
	require.Equal(t, "MSFT", mappings[1].ActualTicker)
	require.Equal(t, "C", mappings[2].InstrumentKey)
	require.False(t, mappings[2].Revealed)
}

func TestAssign_TooManyInstruments(t *testing.T) {
	r := masking.NewRegistry(store.NewMemoryStore())

	tickers := make([]string, 27)
	for i := range tickers {
		tickers[i] = "T" + string(rune('A'+i%26))
	}
	_, err := r.Assign(context.Background(), "ch1", instruments(tickers...))
	require.ErrorIs(t, err, masking.ErrTooManyInstruments)
}

func TestAssign_Twice(t *testing.T) {
	r := masking.NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	_, err := r.Assign(ctx, "ch1", instruments("AAPL"))
	require.NoError(t, err)

	_, err = r.Assign(ctx, "ch1", instruments("MSFT"))
	require.ErrorIs(t, err, masking.ErrAlreadyAssigned)
}

func TestAssign_InvalidTicker(t *testing.T) {
	r := masking.NewRegistry(store.NewMemoryStore())

	_, err := r.Assign(context.Background(), "ch1", instruments("not a ticker"))
	require.ErrorIs(t, err, masking.ErrInvalidTicker)
}

func TestResolve_ReturnsRealTicker(t *testing.T) {
	r := masking.NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	_, err := r.Assign(ctx, "ch1", instruments("AAPL", "MSFT"))
	require.NoError(t, err)

	m, err := r.Resolve(ctx, "ch1", "B")
	require.NoError(t, err)
	require.Equal(t, "MSFT", m.ActualTicker)

	_, err = r.Resolve(ctx, "ch1", "Z")
	require.ErrorIs(t, err, masking.ErrUnknownInstrument)
}

func TestMasked_HidesRealIdentityUntilReveal(t *testing.T) {
	r := masking.NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	_, err := r.Assign(ctx, "ch1", instruments("AAPL"))
	require.NoError(t, err)

	masked, err := r.Masked(ctx, "ch1")
	require.NoError(t, err)
	require.Empty(t, masked[0].ActualTicker)
	require.Empty(t, masked[0].ActualName)
	require.NotEmpty(t, masked[0].HiddenName)

	_, _, err = r.Reveal(ctx, "ch1")
	require.NoError(t, err)

	revealed, err := r.Masked(ctx, "ch1")
	require.NoError(t, err)
	require.Equal(t, "AAPL", revealed[0].ActualTicker)
}

func TestReveal_Idempotent(t *testing.T) {
	r := masking.NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	_, err := r.Assign(ctx, "ch1", instruments("AAPL", "MSFT"))
	require.NoError(t, err)

	first, flipped, err := r.Reveal(ctx, "ch1")
	require.NoError(t, err)
	require.True(t, flipped)

	second, flipped, err := r.Reveal(ctx, "ch1")
	require.NoError(t, err)
	require.False(t, flipped)
	require.Equal(t, first, second)

	for _, m := range second {
		require.True(t, m.Revealed)
		require.NotEmpty(t, m.ActualTicker)
	}
}

func TestReveal_NoMappings(t *testing.T) {
	r := masking.NewRegistry(store.NewMemoryStore())

	_, _, err := r.Reveal(context.Background(), "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))
}
