package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
)

const (
	defaultHATimeframe = 3 * time.Minute
	defaultTrendPeriod = 9
	defaultStrongBody  = 0.6
	maxHAHistory       = 50
)

// HATrend trades Heikin-Ashi candles against a trend line, the average of
// the EMA and SMA of recent Heikin-Ashi closes. A strong candle closing on
// the trend side opens a position; a close through the trend line or a
// strong opposite candle closes it. Entries carry the candle's far extreme
// as a protective stop for risk sizing.
//
// Params: "timeframe" (duration, default 3m), "trend_period" (int, 9),
// "strong_body" (body/range ratio, 0.6), "allow_short" (bool, false).
type HATrend struct {
	cfg        Config
	agg        *CandleAggregator
	ha         *HeikinAshi
	period     int
	strongBody float64
	allowShort bool
	closes     map[string][]float64
	pending    map[string]bool
	logger     *slog.Logger
}

// NewHATrend creates the strategy.
func NewHATrend(cfg Config) (*HATrend, error) {
	timeframe := defaultHATimeframe
	if s := cfg.paramString("timeframe", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("ha_trend: invalid timeframe %q", s)
		}
		timeframe = d
	}
	period := cfg.paramInt("trend_period", defaultTrendPeriod)
	if period < 2 {
		return nil, fmt.Errorf("ha_trend: trend_period must be >= 2, got %d", period)
	}
	allowShort, _ := cfg.Params["allow_short"].(bool)

	return &HATrend{
		cfg:        cfg,
		agg:        NewCandleAggregator(timeframe),
		ha:         NewHeikinAshi(),
		period:     period,
		strongBody: cfg.paramFloat("strong_body", defaultStrongBody),
		allowShort: allowShort,
		closes:     make(map[string][]float64),
		pending:    make(map[string]bool),
		logger:     cfg.logger().With(slog.String("strategy", "ha_trend")),
	}, nil
}

func (s *HATrend) Name() string { return s.cfg.Name }

func (s *HATrend) OnTick(_ context.Context, tick domain.Tick, view ledger.View) []domain.OrderIntent {
	if !s.cfg.trades(tick.Instrument) {
		return nil
	}
	bar, closed := s.agg.Add(tick)
	if !closed {
		return nil
	}
	ha := s.ha.Next(bar)

	closes := append(s.closes[tick.Instrument], ha.Close)
	if len(closes) > maxHAHistory {
		closes = closes[len(closes)-maxHAHistory:]
	}
	s.closes[tick.Instrument] = closes

	trend, ok := trendLine(closes, s.period)
	if !ok || s.pending[tick.Instrument] {
		return nil
	}

	strong := ha.BodyRatio() > s.strongBody
	pos := view.Position(tick.Instrument).Quantity

	var side domain.OrderSide
	var qty, stop float64
	switch {
	case pos > 0 && (ha.Close < trend || (strong && ha.Bearish())):
		side, qty = domain.OrderSideSell, pos
	case pos < 0 && (ha.Close > trend || (strong && ha.Bullish())):
		side, qty = domain.OrderSideBuy, -pos
	case pos == 0 && ha.Close > trend && strong && ha.Bullish():
		side, qty, stop = domain.OrderSideBuy, s.cfg.Size, ha.Low
	case pos == 0 && s.allowShort && ha.Close < trend && strong && ha.Bearish():
		side, qty, stop = domain.OrderSideSell, s.cfg.Size, ha.High
	default:
		return nil
	}
	if !(qty > 0) {
		return nil
	}

	s.pending[tick.Instrument] = true
	s.logger.Info("heikin-ashi signal",
		slog.String("instrument", tick.Instrument),
		slog.String("side", string(side)),
		slog.Float64("ha_close", ha.Close),
		slog.Float64("trend", trend),
		slog.Float64("body_ratio", ha.BodyRatio()),
	)
	return []domain.OrderIntent{{
		Instrument:     tick.Instrument,
		Side:           side,
		Quantity:       qty,
		Type:           domain.OrderTypeMarket,
		StopPrice:      stop,
		StrategyID:     s.Name(),
		IdempotencyKey: s.cfg.key(),
	}}
}

func (s *HATrend) OnFill(_ context.Context, fill domain.Fill) {
	delete(s.pending, fill.Instrument)
}

func (s *HATrend) OnRejection(_ context.Context, intent domain.OrderIntent, _ error) {
	delete(s.pending, intent.Instrument)
}

// trendLine is (EMA(period) + SMA(period)) / 2 of closes. The EMA is
// seeded with the first close.
func trendLine(closes []float64, period int) (float64, bool) {
	if len(closes) < period {
		return 0, false
	}
	alpha := 2 / float64(period+1)
	ema := closes[0]
	for _, c := range closes[1:] {
		ema = alpha*c + (1-alpha)*ema
	}
	var sum float64
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return (ema + sum/float64(period)) / 2, true
}
