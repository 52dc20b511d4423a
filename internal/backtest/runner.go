package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
	"github.com/alanyoungcy/tradebot/internal/router"
	"github.com/alanyoungcy/tradebot/internal/strategy"
)

// Config configures a replay.
type Config struct {
	InitialCapital float64
	Limits         domain.RiskLimits
	Sim            SimConfig
	// Start and End bound the replay window; zero values are open.
	Start time.Time
	End   time.Time
}

// Stats counts what happened during a replay.
type Stats struct {
	Ticks          int               `json:"ticks"`
	Intents        int               `json:"intents"`
	Submitted      int               `json:"submitted"`
	Filled         int               `json:"filled"`
	RiskRejected   int               `json:"risk_rejected"`
	BrokerRejected int               `json:"broker_rejected"`
	Cancelled      int               `json:"cancelled"`
	Trades         ledger.TradeStats `json:"trades"`
	FinalEquity    float64           `json:"final_equity"`
}

// Report is the full outcome of a replay.
type Report struct {
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	Orders      []domain.Order `json:"orders"`
	Fills       []domain.Fill  `json:"fills"`
	FinalLedger ledger.State   `json:"final_ledger"`
	Stats       Stats          `json:"stats"`
}

// Runner drives strategies, the router and the simulated broker over a tick
// source on a single goroutine.
type Runner struct {
	cfg        Config
	source     TickSource
	strategies []strategy.Strategy
	logger     *slog.Logger
}

// NewRunner creates a runner. Strategies should be built with
// SequentialKeys so their idempotency keys are reproducible.
func NewRunner(cfg Config, source TickSource, strategies []strategy.Strategy, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		source:     source,
		strategies: strategies,
		logger:     logger.With(slog.String("component", "backtest")),
	}
}

// Run replays the source to exhaustion and returns the report. It stops
// early with ctx.Err() if ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	src := r.source
	if !r.cfg.Start.IsZero() || !r.cfg.End.IsZero() {
		src = NewWindowSource(src, r.cfg.Start, r.cfg.End)
	}

	clock := NewSimClock(r.cfg.Start)
	l := ledger.New(r.cfg.InitialCapital)
	sim := NewSimBroker(r.cfg.Sim, clock)
	engine := strategy.NewEngine(r.strategies, nil, r.logger)

	rt := router.New(router.Config{Limits: r.cfg.Limits, SubmitAttempts: 1}, sim, l, r.logger)
	rt.SetClock(clock.Now, clock.Sleep, sequentialIDs("BT"))
	rt.SetPriceSource(sim)
	rt.SetFillObserver(engine.OnFill)

	var stats Stats
	var first time.Time
	for {
		tick, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Report{}, fmt.Errorf("backtest: run: %w", err)
		}
		stats.Ticks++
		if first.IsZero() {
			first = tick.ExchangeTime
		}
		clock.Advance(tick.ExchangeTime)

		for _, f := range sim.OnTick(tick) {
			if err := rt.OnFill(ctx, f); err != nil {
				return Report{}, fmt.Errorf("backtest: run: %w", err)
			}
		}
		l.Mark(tick.Instrument, tick.MarkPrice())

		for _, intent := range engine.Evaluate(ctx, tick, l.View()) {
			stats.Intents++
			if _, err := rt.Submit(ctx, intent); err != nil {
				engine.OnRejection(ctx, intent, err)
			}
		}
	}

	for _, o := range rt.OpenOrders() {
		if err := rt.Cancel(ctx, o.ID); err != nil {
			r.logger.WarnContext(ctx, "cancel at end of replay failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	orders := rt.Orders()
	for _, o := range orders {
		switch o.State {
		case domain.OrderStateRejectedRisk:
			stats.RiskRejected++
			continue
		case domain.OrderStateRejectedBroker:
			stats.BrokerRejected++
		case domain.OrderStateFilled:
			stats.Filled++
		case domain.OrderStateCancelled:
			stats.Cancelled++
		}
		stats.Submitted++
	}
	stats.Trades = l.Stats()
	stats.FinalEquity = l.Equity()

	report := Report{
		Start:       first,
		End:         clock.Now(),
		Orders:      orders,
		Fills:       l.History(),
		FinalLedger: l.Serialize(),
		Stats:       stats,
	}
	r.logger.InfoContext(ctx, "backtest complete",
		slog.Int("ticks", stats.Ticks),
		slog.Int("orders", len(orders)),
		slog.Int("fills", len(report.Fills)),
		slog.Int("trades", stats.Trades.Trades),
		slog.Float64("realized_pnl", stats.Trades.TotalRealized),
		slog.Float64("final_equity", stats.FinalEquity),
	)
	return report, nil
}

// SequentialKeys returns a deterministic idempotency key generator for
// strategies used in replays.
func SequentialKeys(prefix string) strategy.KeyFunc {
	return sequentialIDs(prefix + "-key")
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%06d", prefix, n)
	}
}
