package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seqKeys() KeyFunc {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("k-%d", n)
	}
}

func tickAt(instrument string, offset time.Duration, price float64) domain.Tick {
	return domain.Tick{Instrument: instrument, ExchangeTime: t0.Add(offset), Last: price}
}

func flat() ledger.View { return ledger.View{Positions: map[string]domain.Position{}} }

func holding(instrument string, qty float64) ledger.View {
	return ledger.View{Positions: map[string]domain.Position{
		instrument: {Instrument: instrument, Quantity: qty},
	}}
}

func TestPriceTrackerWindow(t *testing.T) {
	pt := NewPriceTracker(time.Minute, 3)
	pt.Track("ABC", 10, t0)
	pt.Track("ABC", 20, t0.Add(30*time.Second))
	assert.Equal(t, 2, pt.Len("ABC"))
	assert.InDelta(t, 15, pt.Average("ABC"), 1e-9)
	assert.InDelta(t, 5, pt.Volatility("ABC"), 1e-9)

	// The first point falls out of the one minute window.
	pt.Track("ABC", 30, t0.Add(70*time.Second))
	assert.Equal(t, 2, pt.Len("ABC"))
	assert.InDelta(t, 25, pt.Average("ABC"), 1e-9)

	for i := 0; i < 5; i++ {
		pt.Track("ABC", 40, t0.Add(71*time.Second))
	}
	assert.Equal(t, 3, pt.Len("ABC"))
	assert.Zero(t, pt.Len("XYZ"))
	assert.Zero(t, pt.Volatility("XYZ"))
}

func TestMeanReversionSignals(t *testing.T) {
	ctx := context.Background()
	mr := NewMeanReversion(Config{
		Name:   "mean_reversion",
		Size:   10,
		Params: map[string]any{"min_points": 5, "lookback_window": "1h"},
		NewKey: seqKeys(),
		Logger: discard(),
	})

	for i, p := range []float64{100, 101, 100, 101, 100, 101} {
		out := mr.OnTick(ctx, tickAt("ABC", time.Duration(i)*time.Second, p), flat())
		require.Empty(t, out, "tick %d", i)
	}

	out := mr.OnTick(ctx, tickAt("ABC", 6*time.Second, 90), flat())
	require.Len(t, out, 1)
	assert.Equal(t, domain.OrderSideBuy, out[0].Side)
	assert.Equal(t, 10.0, out[0].Quantity)
	assert.Equal(t, domain.OrderTypeMarket, out[0].Type)
	assert.Equal(t, "mean_reversion", out[0].StrategyID)
	assert.Equal(t, "k-1", out[0].IdempotencyKey)

	// Pending entry suppresses further signals until a fill arrives.
	assert.Empty(t, mr.OnTick(ctx, tickAt("ABC", 7*time.Second, 89), flat()))
	mr.OnFill(ctx, domain.Fill{Instrument: "ABC"})

	out = mr.OnTick(ctx, tickAt("ABC", 8*time.Second, 101), holding("ABC", 10))
	require.Len(t, out, 1)
	assert.Equal(t, domain.OrderSideSell, out[0].Side)
	assert.Equal(t, 10.0, out[0].Quantity)
	assert.Zero(t, out[0].StopPrice)
}

func TestMeanReversionStopAndRejection(t *testing.T) {
	ctx := context.Background()
	mr := NewMeanReversion(Config{
		Name:   "mr",
		Size:   1,
		Params: map[string]any{"min_points": 5, "stop_fraction": 0.05, "allow_short": false},
		Logger: discard(),
	})
	for i, p := range []float64{100, 101, 100, 101, 100, 101} {
		mr.OnTick(ctx, tickAt("ABC", time.Duration(i)*time.Second, p), flat())
	}

	// Upside deviation with shorting disabled does nothing.
	assert.Empty(t, mr.OnTick(ctx, tickAt("ABC", 6*time.Second, 112), flat()))

	out := mr.OnTick(ctx, tickAt("ABC", 7*time.Second, 85), flat())
	require.Len(t, out, 1)
	assert.InDelta(t, 85*0.95, out[0].StopPrice, 1e-9)
	assert.NotEmpty(t, out[0].IdempotencyKey)

	mr.OnRejection(ctx, out[0], &domain.RiskRejection{Reason: domain.ReasonMaxPosition, Instrument: "ABC"})
	assert.Len(t, mr.OnTick(ctx, tickAt("ABC", 8*time.Second, 70), flat()), 1)
}

func TestMeanReversionIgnoresOtherInstruments(t *testing.T) {
	mr := NewMeanReversion(Config{Name: "mr", Size: 1, Instruments: []string{"ABC"}, Logger: discard()})
	for i := 0; i < 50; i++ {
		assert.Empty(t, mr.OnTick(context.Background(), tickAt("XYZ", time.Duration(i)*time.Second, float64(100+i%7)), flat()))
	}
	assert.Zero(t, mr.tracker.Len("XYZ"))
}

func TestCandleAggregator(t *testing.T) {
	agg := NewCandleAggregator(time.Minute)

	_, ok := agg.Add(tickAt("ABC", 10*time.Second, 100))
	require.False(t, ok)
	_, ok = agg.Add(tickAt("ABC", 30*time.Second, 102))
	require.False(t, ok)
	_, ok = agg.Add(tickAt("ABC", 50*time.Second, 99))
	require.False(t, ok)

	c, ok := agg.Add(tickAt("ABC", 65*time.Second, 101))
	require.True(t, ok)
	assert.Equal(t, Candle{Instrument: "ABC", Start: t0, Open: 100, High: 102, Low: 99, Close: 99, Ticks: 3}, c)

	// Ticks without a price are ignored.
	_, ok = agg.Add(domain.Tick{Instrument: "ABC", ExchangeTime: t0.Add(5 * time.Minute)})
	assert.False(t, ok)
}

func TestHeikinAshi(t *testing.T) {
	ha := NewHeikinAshi()

	first := ha.Next(Candle{Instrument: "ABC", Open: 10, High: 12, Low: 9, Close: 11})
	assert.InDelta(t, 10.5, first.Close, 1e-9)
	assert.InDelta(t, 10.5, first.Open, 1e-9)
	assert.InDelta(t, 12, first.High, 1e-9)
	assert.InDelta(t, 9, first.Low, 1e-9)

	second := ha.Next(Candle{Instrument: "ABC", Open: 11, High: 13, Low: 10, Close: 12})
	assert.InDelta(t, 11.5, second.Close, 1e-9)
	assert.InDelta(t, 10.5, second.Open, 1e-9)
	assert.InDelta(t, 13, second.High, 1e-9)
	assert.InDelta(t, 10, second.Low, 1e-9)
	assert.True(t, second.Bullish())
	assert.InDelta(t, 1.0/3, second.BodyRatio(), 1e-9)
}

func TestTrendLine(t *testing.T) {
	_, ok := trendLine([]float64{1, 2}, 3)
	assert.False(t, ok)

	v, ok := trendLine([]float64{1, 2, 3}, 3)
	require.True(t, ok)
	// EMA(alpha=0.5) seeded at 1 is 2.25; SMA is 2.
	assert.InDelta(t, 2.125, v, 1e-9)
}

func TestHATrendEntersOnStrongBullishCandle(t *testing.T) {
	ctx := context.Background()
	s, err := NewHATrend(Config{
		Name:   "ha_trend",
		Size:   5,
		Params: map[string]any{"timeframe": "1m", "trend_period": 2, "strong_body": 0.5},
		Logger: discard(),
	})
	require.NoError(t, err)

	var out []domain.OrderIntent
	// One rising tick per minute gives steadily climbing full-body candles.
	for i := 0; i < 6 && len(out) == 0; i++ {
		out = s.OnTick(ctx, tickAt("ABC", time.Duration(i)*time.Minute, 100+float64(i)), flat())
	}
	require.Len(t, out, 1)
	assert.Equal(t, domain.OrderSideBuy, out[0].Side)
	assert.Equal(t, 5.0, out[0].Quantity)
	assert.Positive(t, out[0].StopPrice)
	assert.Equal(t, "ha_trend", out[0].StrategyID)
}

func TestHATrendRejectsBadParams(t *testing.T) {
	_, err := NewHATrend(Config{Params: map[string]any{"timeframe": "soon"}})
	assert.Error(t, err)
	_, err = NewHATrend(Config{Params: map[string]any{"trend_period": 1}})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{"ha_trend", "mean_reversion", "noop"}, reg.List())

	s, err := reg.New("mean_reversion", Config{Size: 1, Logger: discard()})
	require.NoError(t, err)
	assert.Equal(t, "mean_reversion", s.Name())

	_, err = reg.New("martingale", Config{})
	assert.ErrorContains(t, err, "not registered")

	_, err = Build(reg, []string{"noop", "noop"}, Config{}, nil)
	assert.Error(t, err)
	_, err = Build(reg, nil, Config{}, nil)
	assert.Error(t, err)
}

type scripted struct {
	name      string
	intents   []domain.OrderIntent
	fills     []domain.Fill
	rejected  []domain.OrderIntent
	tickCount int
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) OnTick(context.Context, domain.Tick, ledger.View) []domain.OrderIntent {
	s.tickCount++
	return s.intents
}

func (s *scripted) OnFill(_ context.Context, f domain.Fill) { s.fills = append(s.fills, f) }

func (s *scripted) OnRejection(_ context.Context, in domain.OrderIntent, _ error) {
	s.rejected = append(s.rejected, in)
}

func TestEngineEvaluateAndRouting(t *testing.T) {
	ctx := context.Background()
	a := &scripted{name: "a", intents: []domain.OrderIntent{{Instrument: "ABC", Side: domain.OrderSideBuy, Quantity: 1}}}
	b := &scripted{name: "b", intents: []domain.OrderIntent{{Instrument: "ABC", Side: domain.OrderSideSell, Quantity: 2, StrategyID: "b"}}}
	e := NewEngine([]Strategy{a, b}, nil, discard())

	assert.Equal(t, "a,b", e.ActiveName())

	out := e.Evaluate(ctx, tickAt("ABC", 0, 100), flat())
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].StrategyID)
	assert.Equal(t, "b", out[1].StrategyID)
	assert.Equal(t, 1, a.tickCount)
	assert.Equal(t, 1, b.tickCount)

	e.OnFill(ctx, domain.Order{Intent: out[1]}, domain.Fill{ID: "f1"})
	e.OnFill(ctx, domain.Order{Intent: domain.OrderIntent{StrategyID: "gone"}}, domain.Fill{ID: "f2"})
	assert.Empty(t, a.fills)
	require.Len(t, b.fills, 1)
	assert.Equal(t, "f1", b.fills[0].ID)

	e.OnRejection(ctx, out[0], errors.New("risk"))
	assert.Len(t, a.rejected, 1)

	recent := e.RecentIntents(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "b", recent[0].StrategyID)
}

func TestEngineHandleTick(t *testing.T) {
	ch := make(chan domain.OrderIntent, 4)
	a := &scripted{name: "a", intents: []domain.OrderIntent{{Instrument: "ABC", Side: domain.OrderSideBuy, Quantity: 1}}}
	e := NewEngine([]Strategy{a}, ch, discard())

	require.NoError(t, e.HandleTick(context.Background(), tickAt("ABC", 0, 100), flat()))
	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).StrategyID)

	// A full channel and a cancelled context abandon the remaining intents.
	full := make(chan domain.OrderIntent)
	e = NewEngine([]Strategy{a}, full, discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.HandleTick(ctx, tickAt("ABC", 0, 100), flat()), context.Canceled)
}
