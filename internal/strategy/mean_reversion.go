package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
)

const (
	defaultStdDevThreshold = 2.0
	defaultLookbackWindow  = 5 * time.Minute
	defaultMinPoints       = 20
	defaultMaxPoints       = 500
)

// MeanReversion buys when the mark is significantly below the recent mean
// and sells when it is significantly above. "Significantly" is measured in
// multiples of the trailing standard deviation (std_dev_threshold). Open
// positions are closed once the price crosses back through the mean.
type MeanReversion struct {
	cfg        Config
	tracker    *PriceTracker
	threshold  float64
	minPoints  int
	stopFrac   float64
	allowShort bool
	pending    map[string]bool
	logger     *slog.Logger
}

// NewMeanReversion creates a MeanReversion strategy. The following keys are
// read from cfg.Params:
//
//   - "lookback_window" (duration string): tracker window, default 5m.
//   - "std_dev_threshold" (float): entry distance in sigmas, default 2.
//   - "min_points" (int): observations required before trading, default 20.
//   - "stop_fraction" (float): protective stop distance passed to the risk
//     gate as a fraction of price; 0 leaves sizing to the gate's default.
//   - "allow_short" (bool): enter short on upside deviations, default true.
func NewMeanReversion(cfg Config) *MeanReversion {
	window := defaultLookbackWindow
	if d, err := time.ParseDuration(cfg.paramString("lookback_window", "")); err == nil && d > 0 {
		window = d
	}
	allowShort := true
	if v, ok := cfg.Params["allow_short"].(bool); ok {
		allowShort = v
	}
	return &MeanReversion{
		cfg:        cfg,
		tracker:    NewPriceTracker(window, defaultMaxPoints),
		threshold:  cfg.paramFloat("std_dev_threshold", defaultStdDevThreshold),
		minPoints:  cfg.paramInt("min_points", defaultMinPoints),
		stopFrac:   cfg.paramFloat("stop_fraction", 0),
		allowShort: allowShort,
		pending:    make(map[string]bool),
		logger:     cfg.logger().With(slog.String("strategy", "mean_reversion")),
	}
}

// Name returns the strategy identifier.
func (mr *MeanReversion) Name() string { return mr.cfg.Name }

// OnTick evaluates the deviation of the current mark from the rolling mean.
func (mr *MeanReversion) OnTick(_ context.Context, tick domain.Tick, view ledger.View) []domain.OrderIntent {
	if !mr.cfg.trades(tick.Instrument) {
		return nil
	}
	mark := tick.MarkPrice()
	if !(mark > 0) {
		return nil
	}
	mr.tracker.Track(tick.Instrument, mark, tick.ExchangeTime)
	if mr.pending[tick.Instrument] || mr.tracker.Len(tick.Instrument) < mr.minPoints {
		return nil
	}

	avg := mr.tracker.Average(tick.Instrument)
	vol := mr.tracker.Volatility(tick.Instrument)
	if vol == 0 {
		return nil
	}
	deviation := (mark - avg) / vol
	pos := view.Position(tick.Instrument).Quantity

	var side domain.OrderSide
	var qty float64
	switch {
	case pos > 0 && deviation >= 0:
		side, qty = domain.OrderSideSell, pos
	case pos < 0 && deviation <= 0:
		side, qty = domain.OrderSideBuy, -pos
	case pos == 0 && deviation <= -mr.threshold:
		side, qty = domain.OrderSideBuy, mr.cfg.Size
	case pos == 0 && deviation >= mr.threshold && mr.allowShort:
		side, qty = domain.OrderSideSell, mr.cfg.Size
	default:
		return nil
	}
	if !(qty > 0) {
		return nil
	}

	intent := domain.OrderIntent{
		Instrument:     tick.Instrument,
		Side:           side,
		Quantity:       qty,
		Type:           domain.OrderTypeMarket,
		StrategyID:     mr.Name(),
		IdempotencyKey: mr.cfg.key(),
	}
	if mr.stopFrac > 0 && pos == 0 {
		intent.StopPrice = mark * (1 - side.Sign()*mr.stopFrac)
	}
	mr.pending[tick.Instrument] = true

	mr.logger.Info("mean reversion signal",
		slog.String("instrument", tick.Instrument),
		slog.String("side", string(side)),
		slog.Float64("mark", mark),
		slog.Float64("avg", avg),
		slog.Float64("deviation", deviation),
	)
	return []domain.OrderIntent{intent}
}

// OnFill clears the pending flag for the filled instrument.
func (mr *MeanReversion) OnFill(_ context.Context, fill domain.Fill) {
	delete(mr.pending, fill.Instrument)
}

// OnRejection clears the pending flag so the next signal can be tried.
func (mr *MeanReversion) OnRejection(_ context.Context, intent domain.OrderIntent, reason error) {
	delete(mr.pending, intent.Instrument)
	mr.logger.Debug("intent rejected",
		slog.String("instrument", intent.Instrument),
		slog.String("error", reason.Error()),
	)
}
