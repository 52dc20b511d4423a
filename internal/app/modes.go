package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradebot/internal/backtest"
	s3blob "github.com/alanyoungcy/tradebot/internal/blob/s3"
	"github.com/alanyoungcy/tradebot/internal/cache/redis"
	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/server"
	"github.com/alanyoungcy/tradebot/internal/server/handler"
	"github.com/alanyoungcy/tradebot/internal/server/ws"
	"github.com/alanyoungcy/tradebot/internal/strategy"
)

const (
	// archiveInterval is how often rows past the retention window move to S3.
	archiveInterval = time.Hour
	// apiRateLimit is ops API requests per second per client.
	apiRateLimit = 20
)

// TradeMode runs a live or paper session until ctx is cancelled or a
// component fails, then drains the router and records the final state.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.String("mode", string(a.cfg.TradingMode())),
		slog.Any("instruments", a.cfg.Engine.Instruments),
	)

	s, err := newSession(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: trade mode: %w", err)
	}
	a.logger.InfoContext(ctx, "session ready",
		slog.String("strategies", s.engine.ActiveName()),
		slog.Float64("equity", s.ledger.Equity()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Notifier.Run(gctx) })
	g.Go(func() error { return s.executor.Run(gctx) })
	g.Go(func() error { return s.feed.Run(gctx) })
	if s.paper != nil {
		g.Go(func() error { return s.paper.Run(gctx) })
	}
	if s.live != nil {
		g.Go(func() error { return s.live.RunFillStream(gctx) })
	}
	if s.ticks != nil {
		g.Go(func() error { return s.ticks.Run(gctx, a.cfg.Feed.ArchiveInterval.Duration) })
	}
	if deps.Ledger != nil {
		g.Go(func() error {
			return every(gctx, a.cfg.Engine.SnapshotInterval.Duration, s.persist)
		})
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return every(gctx, archiveInterval, func(ctx context.Context) { a.archive(ctx, deps) })
		})
	}
	if a.cfg.Server.Enabled {
		srv := a.newServer(s, deps)
		g.Go(func() error { return srv.run(gctx) })
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr != nil {
		a.logger.ErrorContext(ctx, "trade mode stopped on error", slog.String("error", runErr.Error()))
	}

	s.shutdown(a.cfg.Engine.ShutdownTimeout.Duration)
	return runErr
}

// BacktestMode replays recorded ticks through the configured strategies and
// writes the report locally and, when S3 is configured, to the bucket.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	start, end, err := a.cfg.BacktestWindow()
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	var source backtest.TickSource
	switch a.cfg.Backtest.Source {
	case "file":
		source, err = backtest.LoadFile(a.cfg.Backtest.File, a.logger)
	default:
		source, err = backtest.LoadArchive(ctx, deps.Blobs, a.cfg.Backtest.Prefix, a.logger)
	}
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	strats, err := strategy.Build(strategy.DefaultRegistry(), a.cfg.Strategy.Active, strategy.Config{
		Size:        a.cfg.Strategy.Size,
		Instruments: a.cfg.Strategy.Instruments,
		NewKey:      backtest.SequentialKeys("bt"),
		Logger:      a.logger,
	}, a.cfg.Strategy.Params)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	capital := a.cfg.Backtest.InitialCapital
	if capital <= 0 {
		capital = a.cfg.Engine.InitialCapital
	}
	runner := backtest.NewRunner(backtest.Config{
		InitialCapital: capital,
		Limits:         a.cfg.RiskLimits(),
		Sim: backtest.SimConfig{
			SlippageBps: a.cfg.Backtest.SlippageBps,
			ImpactSize:  a.cfg.Backtest.ImpactSize,
			Jitter:      a.cfg.Backtest.Jitter,
			Seed:        uint64(a.cfg.Backtest.Seed),
		},
		Start: start,
		End:   end,
	}, source, strats, a.logger)

	report, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("app: backtest: encode report: %w", err)
	}
	if path := a.cfg.Backtest.ReportPath; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("app: backtest: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("app: backtest: write report: %w", err)
		}
	}
	if deps.Blobs != nil {
		name := fmt.Sprintf("backtest-%s.json", time.Now().UTC().Format("20060102T150405Z"))
		if _, err := s3blob.ExportReport(ctx, deps.Blobs, name, data); err != nil {
			a.logger.WarnContext(ctx, "backtest report upload failed", slog.String("error", err.Error()))
		}
	}

	st := report.Stats
	a.logger.InfoContext(ctx, "backtest complete",
		slog.Int("ticks", st.Ticks),
		slog.Int("intents", st.Intents),
		slog.Int("filled", st.Filled),
		slog.Int("risk_rejected", st.RiskRejected),
		slog.Int("trades", st.Trades.Trades),
		slog.Float64("win_rate", st.Trades.WinRate()),
		slog.Float64("realized_pnl", st.Trades.TotalRealized),
		slog.Float64("final_equity", st.FinalEquity),
	)
	return nil
}

// ServerMode serves the ops API over persisted state only. Cancel and resume
// need a running engine and are refused.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, gctx := errgroup.WithContext(ctx)
	srv := a.newServer(&storeEngine{cfg: a.cfg, deps: deps}, deps)
	g.Go(func() error { return srv.run(gctx) })
	if deps.Archiver != nil {
		g.Go(func() error {
			return every(gctx, archiveInterval, func(ctx context.Context) { a.archive(ctx, deps) })
		})
	}
	return g.Wait()
}

type apiServer struct {
	srv     *server.Server
	hub     *ws.Hub
	timeout time.Duration
}

func (a *App) newServer(engine handler.Engine, deps *Dependencies) *apiServer {
	h := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks(), a.logger),
		Engine: handler.NewEngineHandler(engine, a.logger),
	}
	out := &apiServer{timeout: a.cfg.Engine.ShutdownTimeout.Duration}
	if deps.Bus != nil {
		h.Events = handler.NewEventsHandler(deps.Bus, redis.EventStream, a.logger)
		out.hub = ws.NewHub(deps.Bus, redis.EventStream, 0, a.logger)
		h.Hub = out.hub
	}
	if deps.Audit != nil {
		h.Audit = handler.NewAuditHandler(deps.Audit, a.logger)
	}
	cfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AuthToken:   a.cfg.Server.AuthToken,
	}
	var limiter domain.RateLimiter
	if deps.Limiter != nil {
		limiter = deps.Limiter
		cfg.RateLimit = apiRateLimit
	}
	out.srv = server.NewServer(cfg, h, limiter, a.logger)
	return out
}

func (s *apiServer) run(ctx context.Context) error {
	if s.hub == nil {
		return s.srv.Run(ctx, s.timeout)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error { return s.srv.Run(gctx, s.timeout) })
	return g.Wait()
}

// archive moves orders and fills older than the retention window to S3.
func (a *App) archive(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Postgres.RetentionDays)
	orders, err := deps.Archiver.ArchiveOrders(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "order archive failed", slog.String("error", err.Error()))
	}
	fills, err := deps.Archiver.ArchiveFills(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "fill archive failed", slog.String("error", err.Error()))
	}
	if orders+fills > 0 {
		a.logger.InfoContext(ctx, "archived rows",
			slog.Int64("orders", orders),
			slog.Int64("fills", fills),
			slog.Time("cutoff", cutoff),
		)
	}
}

// every calls fn each interval until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

