package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

func fill(id, instrument string, side domain.OrderSide, qty, price float64) domain.Fill {
	return domain.Fill{ID: id, Instrument: instrument, Side: side, Quantity: qty, Price: price}
}

func TestApplyFillAverageCost(t *testing.T) {
	l := New(100_000)

	p, err := l.ApplyFill(fill("f1", "ABC", domain.OrderSideBuy, 10, 100))
	require.NoError(t, err)
	assert.Equal(t, 10.0, p.Quantity)
	assert.Equal(t, 100.0, p.AvgEntryPrice)

	p, err = l.ApplyFill(fill("f2", "ABC", domain.OrderSideBuy, 10, 110))
	require.NoError(t, err)
	assert.Equal(t, 20.0, p.Quantity)
	assert.InDelta(t, 105.0, p.AvgEntryPrice, 1e-9)

	// Reduction keeps the average and books PnL.
	p, err = l.ApplyFill(fill("f3", "ABC", domain.OrderSideSell, 5, 120))
	require.NoError(t, err)
	assert.Equal(t, 15.0, p.Quantity)
	assert.InDelta(t, 105.0, p.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 75.0, p.RealizedPnL, 1e-9)

	// Flip through zero: 15 closed, 5 short opened at the fill price.
	p, err = l.ApplyFill(fill("f4", "ABC", domain.OrderSideSell, 20, 100))
	require.NoError(t, err)
	assert.Equal(t, -5.0, p.Quantity)
	assert.Equal(t, 100.0, p.AvgEntryPrice)
	assert.InDelta(t, 0.0, p.RealizedPnL, 1e-9)

	// Close the short at a profit.
	p, err = l.ApplyFill(fill("f5", "ABC", domain.OrderSideBuy, 5, 90))
	require.NoError(t, err)
	assert.True(t, p.Flat())
	assert.Zero(t, p.AvgEntryPrice)
	assert.InDelta(t, 50.0, p.RealizedPnL, 1e-9)

	stats := l.Stats()
	assert.Equal(t, 3, stats.Trades)
	assert.Equal(t, 2, stats.Wins)
	assert.InDelta(t, 75.0, stats.BestTrade, 1e-9)
	assert.InDelta(t, -75.0, stats.WorstTrade, 1e-9)
}

func TestApplyFillIdempotent(t *testing.T) {
	l := New(10_000)
	f := fill("dup", "ABC", domain.OrderSideBuy, 3, 50)

	_, err := l.ApplyFill(f)
	require.NoError(t, err)
	p, err := l.ApplyFill(f)
	require.NoError(t, err)

	assert.Equal(t, 3.0, p.Quantity)
	assert.Len(t, l.History(), 1)
	assert.InDelta(t, 10_000-150.0, l.View().Cash, 1e-9)
}

func TestApplyFillRejectsInvalid(t *testing.T) {
	l := New(0)
	tests := []domain.Fill{
		fill("", "ABC", domain.OrderSideBuy, 1, 1),
		fill("a", "", domain.OrderSideBuy, 1, 1),
		fill("b", "ABC", "hold", 1, 1),
		fill("c", "ABC", domain.OrderSideBuy, 0, 1),
		fill("d", "ABC", domain.OrderSideBuy, 1, -1),
	}
	for _, f := range tests {
		_, err := l.ApplyFill(f)
		assert.True(t, errors.Is(err, domain.ErrInvalidFill), "fill %+v", f)
	}
	assert.Empty(t, l.History())
}

func TestQuantityIsSignedSumOfFills(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	l := New(1_000_000)
	var want float64
	for i := 0; i < 500; i++ {
		side := domain.OrderSideBuy
		if rng.IntN(2) == 0 {
			side = domain.OrderSideSell
		}
		qty := float64(1 + rng.IntN(20))
		price := 90 + float64(rng.IntN(20))
		before := l.Snapshot("XYZ")

		p, err := l.ApplyFill(fill(fmt.Sprintf("f%d", i), "XYZ", side, qty, price))
		require.NoError(t, err)
		want += side.Sign() * qty
		require.Equal(t, want, p.Quantity)

		// Reductions never move the average entry.
		if before.Quantity != 0 && !sameSign(before.Quantity, side.Sign()) && sameSign(before.Quantity, p.Quantity) {
			require.Equal(t, before.AvgEntryPrice, p.AvgEntryPrice)
		}
		if p.Quantity == 0 {
			require.Zero(t, p.AvgEntryPrice)
		}
	}
}

func TestTotalExposure(t *testing.T) {
	l := New(0)
	_, _ = l.ApplyFill(fill("1", "A", domain.OrderSideBuy, 10, 5))
	_, _ = l.ApplyFill(fill("2", "B", domain.OrderSideSell, 4, 20))
	l.Mark("A", 6)
	l.Mark("B", 25)

	assert.InDelta(t, 10*6+4*25.0, l.TotalExposure(), 1e-9)
	assert.InDelta(t, l.TotalExposure(), l.View().Exposure(), 1e-9)
}

func TestConcurrentFillsSameInstrument(t *testing.T) {
	l := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.ApplyFill(fill(fmt.Sprintf("c%d", i), "A", domain.OrderSideBuy, 1, 100))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	p := l.Snapshot("A")
	assert.Equal(t, 100.0, p.Quantity)
	assert.Equal(t, 100.0, p.AvgEntryPrice)
}

type memLedgerStore struct {
	data []byte
}

func (m *memLedgerStore) SaveSnapshot(_ context.Context, _ time.Time, state []byte) error {
	m.data = append([]byte(nil), state...)
	return nil
}

func (m *memLedgerStore) LatestSnapshot(context.Context) ([]byte, error) {
	if m.data == nil {
		return nil, domain.ErrNotFound
	}
	return m.data, nil
}

func TestSerializeLoadRoundTrip(t *testing.T) {
	l := New(50_000)
	_, _ = l.ApplyFill(fill("1", "B", domain.OrderSideBuy, 10, 5))
	_, _ = l.ApplyFill(fill("2", "A", domain.OrderSideSell, 2, 20))
	_, _ = l.ApplyFill(fill("3", "B", domain.OrderSideSell, 4, 6))

	store := &memLedgerStore{}
	ctx := context.Background()

	restored := New(0)
	require.NoError(t, restored.Restore(ctx, store), "empty store is not an error")

	require.NoError(t, l.Persist(ctx, store, time.Unix(0, 0)))
	require.NoError(t, restored.Restore(ctx, store))

	assert.Equal(t, l.Serialize(), restored.Serialize())
	assert.True(t, restored.Applied("2"))

	// Replayed fills after restart stay no-ops.
	p, err := restored.ApplyFill(fill("3", "B", domain.OrderSideSell, 4, 6))
	require.NoError(t, err)
	assert.Equal(t, 6.0, p.Quantity)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	err := New(0).Load(State{Version: 99})
	require.Error(t, err)
}
