package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	s3blob "github.com/alanyoungcy/tradebot/internal/blob/s3"
	"github.com/alanyoungcy/tradebot/internal/broker/live"
	"github.com/alanyoungcy/tradebot/internal/broker/paper"
	"github.com/alanyoungcy/tradebot/internal/config"
	"github.com/alanyoungcy/tradebot/internal/crypto"
	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/executor"
	"github.com/alanyoungcy/tradebot/internal/feed"
	"github.com/alanyoungcy/tradebot/internal/ledger"
	"github.com/alanyoungcy/tradebot/internal/retry"
	"github.com/alanyoungcy/tradebot/internal/router"
	"github.com/alanyoungcy/tradebot/internal/server/handler"
	"github.com/alanyoungcy/tradebot/internal/strategy"
)

// recentIntents is how many strategy intents the status endpoint shows.
const recentIntents = 20

// broker is what a trading session needs from either adapter.
type broker interface {
	domain.BrokerAdapter
	domain.FillStreamer
	domain.PositionReporter
}

// markSource prices instruments from the ledger's last marks.
type markSource struct{ l *ledger.Ledger }

func (m markSource) LastPrice(instrument string) (float64, bool) {
	p := m.l.Snapshot(instrument).LastMark
	return p, p > 0
}

// session is one live or paper trading run: the ledger, router, broker,
// strategies, executor and feed, plus the optional tick archive.
type session struct {
	cfg    *config.Config
	deps   *Dependencies
	logger *slog.Logger

	ledger   *ledger.Ledger
	router   *router.Router
	broker   broker
	paper    *paper.Broker
	live     *live.Client
	engine   *strategy.Engine
	executor *executor.Executor
	feed     *feed.Feed
	ticks    *s3blob.TickArchiver
	started  time.Time
}

func newSession(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*session, error) {
	s := &session{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		ledger:  ledger.New(cfg.Engine.InitialCapital),
		started: time.Now().UTC(),
	}

	if deps.Ledger != nil {
		if err := s.ledger.Restore(ctx, deps.Ledger); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	if deps.Prices != nil && len(cfg.Engine.Instruments) > 0 {
		n, err := deps.Prices.Warm(ctx, cfg.Engine.Instruments)
		if err != nil {
			logger.WarnContext(ctx, "price cache warm failed", slog.String("error", err.Error()))
		}
		for _, inst := range cfg.Engine.Instruments {
			if p, ok := deps.Prices.LastPrice(inst); ok {
				s.ledger.Mark(inst, p)
			}
		}
		logger.InfoContext(ctx, "price cache warmed", slog.Int("instruments", n))
	}
	marks := markSource{s.ledger}

	if err := s.buildBroker(marks); err != nil {
		return nil, err
	}

	s.router = router.New(router.Config{
		Limits:         cfg.RiskLimits(),
		SubmitAttempts: cfg.Broker.SubmitAttempts,
		Backoff:        backoff(cfg.Broker.BackoffBase.Duration, cfg.Broker.BackoffMax.Duration),
		StuckAfter:     cfg.Engine.StuckAfter.Duration,
		RateLimit:      cfg.Broker.RateLimitPerSec,
	}, s.broker, s.ledger, logger)
	s.router.SetPriceSource(marks)
	s.router.SetEventSink(deps.Notifier)
	if deps.Orders != nil {
		s.router.SetStores(deps.Orders, deps.Fills, deps.Audit)
	}
	if deps.Locks != nil {
		s.router.SetLockManager(deps.Locks)
		s.router.SetRateLimiter(deps.Limiter)
	}
	if err := s.router.Restore(ctx); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	strats, err := strategy.Build(strategy.DefaultRegistry(), cfg.Strategy.Active, strategy.Config{
		Size:        cfg.Strategy.Size,
		Instruments: cfg.Strategy.Instruments,
		Logger:      logger,
	}, cfg.Strategy.Params)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	intentCh := make(chan domain.OrderIntent, cfg.Engine.IntentBuffer)
	s.engine = strategy.NewEngine(strats, intentCh, logger)
	s.router.SetFillObserver(s.engine.OnFill)

	s.executor = executor.New(executor.Config{
		Workers:           cfg.Engine.Workers,
		ReconcileInterval: cfg.Engine.ReconcileInterval.Duration,
	}, intentCh, s.broker.Fills(), s.router, s.engine, logger)

	if cfg.Feed.ArchiveTicks && deps.Blobs != nil {
		s.ticks = s3blob.NewTickArchiver(deps.Blobs, cfg.Backtest.Prefix, logger)
	}

	s.feed = feed.New(feed.Config{
		URL:             cfg.Feed.URL,
		SessionToken:    cfg.Feed.SessionToken,
		Instruments:     cfg.Engine.Instruments,
		MaxReconnects:   cfg.Feed.MaxReconnects,
		Backoff:         backoff(cfg.Feed.BackoffBase.Duration, cfg.Feed.BackoffMax.Duration),
		MaxDecodeErrors: cfg.Feed.MaxDecodeErrors,
		BufferSize:      cfg.Feed.BufferSize,
	}, s.onTick, logger)
	s.feed.SetEventSink(deps.Notifier)

	return s, nil
}

func (s *session) buildBroker(marks domain.PriceSource) error {
	if s.cfg.TradingMode() == domain.ModePaper {
		s.paper = paper.New(paper.Config{
			SlippageBps: s.cfg.Broker.SlippageBps,
		}, marks, s.logger)
		s.broker = s.paper
		return nil
	}

	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:           s.cfg.Broker.APISecret,
		EncryptedPath: s.cfg.Broker.APISecretFile,
		Password:      s.cfg.Broker.SecretPassword,
	})
	if err != nil {
		return fmt.Errorf("session: broker secret: %w", err)
	}
	s.live = live.New(live.Config{
		BaseURL:       s.cfg.Broker.BaseURL,
		WSURL:         s.cfg.Broker.WSURL,
		Timeout:       s.cfg.Broker.Timeout.Duration,
		Backoff:       backoff(s.cfg.Broker.BackoffBase.Duration, s.cfg.Broker.BackoffMax.Duration),
		MaxReconnects: s.cfg.Broker.MaxReconnects,
	}, &crypto.HMACAuth{Key: s.cfg.Broker.APIKey, Secret: secret}, s.logger)
	s.live.SetEventSink(s.deps.Notifier)
	s.broker = s.live
	return nil
}

func backoff(base, max time.Duration) retry.Backoff {
	return retry.Backoff{Base: base, Max: max, Factor: 2, Jitter: 0.2}
}

// onTick runs on the feed's per-instrument lane: mark first so risk and
// strategies see the new price, then hand the tick to everything else.
func (s *session) onTick(ctx context.Context, t domain.Tick) {
	price := t.MarkPrice()
	s.ledger.Mark(t.Instrument, price)
	if s.paper != nil {
		s.paper.OnPrice(t.Instrument, price)
	}
	if s.deps.Prices != nil && price > 0 {
		if err := s.deps.Prices.SetPrice(ctx, t.Instrument, price, t.ExchangeTime); err != nil {
			s.logger.DebugContext(ctx, "price cache write failed",
				slog.String("instrument", t.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.ticks != nil {
		s.ticks.Add(t)
	}
	if err := s.engine.HandleTick(ctx, t, s.ledger.View()); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "strategy tick failed",
			slog.String("instrument", t.Instrument),
			slog.String("error", err.Error()),
		)
	}
}

// persist snapshots the ledger to Postgres. Failures are logged; the next
// interval retries.
func (s *session) persist(ctx context.Context) {
	if s.deps.Ledger == nil {
		return
	}
	if err := s.ledger.Persist(ctx, s.deps.Ledger, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "ledger snapshot failed", slog.String("error", err.Error()))
	}
}

// shutdown stops submissions, settles working orders and records the final
// state. It runs after every session goroutine has returned.
func (s *session) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.router.Drain(ctx); err != nil {
		s.logger.ErrorContext(ctx, "router drain incomplete", slog.String("error", err.Error()))
	}
	s.persist(ctx)

	if s.deps.Blobs != nil {
		if state, err := s.ledger.MarshalState(); err == nil {
			path, err := s3blob.ExportLedger(ctx, s.deps.Blobs, state, time.Now().UTC())
			if err != nil {
				s.logger.ErrorContext(ctx, "ledger export failed", slog.String("error", err.Error()))
			} else {
				s.logger.InfoContext(ctx, "ledger exported", slog.String("path", path))
			}
		}
	}

	stats := s.ledger.Stats()
	summary := domain.Event{
		Type: domain.EventSessionSummary,
		Message: fmt.Sprintf("trades=%d wins=%d win_rate=%.1f%% realized=%.2f best=%.2f worst=%.2f equity=%.2f",
			stats.Trades, stats.Wins, stats.WinRate()*100, stats.TotalRealized,
			stats.BestTrade, stats.WorstTrade, s.ledger.Equity()),
		Time: time.Now().UTC(),
	}
	if err := s.deps.Notifier.Deliver(ctx, summary); err != nil {
		s.logger.WarnContext(ctx, "session summary delivery failed", slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "session finished",
		slog.Int("trades", stats.Trades),
		slog.Float64("realized_pnl", stats.TotalRealized),
		slog.Float64("equity", s.ledger.Equity()),
	)
}

var _ handler.Engine = (*session)(nil)

func (s *session) Status(ctx context.Context) (handler.Status, error) {
	view := s.ledger.View()
	stats := s.ledger.Stats()
	st := handler.Status{
		Mode:          s.cfg.Mode,
		Strategies:    s.engine.Names(),
		Instruments:   s.cfg.Engine.Instruments,
		Equity:        view.Equity(),
		Cash:          view.Cash,
		Exposure:      view.Exposure(),
		OpenOrders:    len(s.router.OpenOrders()),
		Session:       stats,
		WinRate:       stats.WinRate(),
		RecentIntents: s.engine.RecentIntents(recentIntents),
		Components: map[string]any{
			"executor":   s.executor.Stats(),
			"feed":       s.feed.Stats(),
			"notifier":   s.deps.Notifier.Stats(),
			"started_at": s.started,
		},
	}
	if err := s.router.Halted(); err != nil {
		st.Halted = true
		st.HaltReason = err.Error()
	}
	if s.ticks != nil {
		flushed, pending := s.ticks.Stats()
		st.Components["tick_archive"] = map[string]int{"flushed": flushed, "pending": pending}
	}
	return st, nil
}

func (s *session) Portfolio(context.Context) (handler.Portfolio, error) {
	return portfolioFromView(s.ledger.View()), nil
}

func (s *session) Orders(ctx context.Context, openOnly bool, opts domain.ListOpts) ([]domain.Order, error) {
	if openOnly {
		return s.router.OpenOrders(), nil
	}
	if s.deps.Orders != nil {
		return s.deps.Orders.ListRecent(ctx, opts)
	}
	// Newest first, like the store.
	all := s.router.Orders()
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, opts), nil
}

func (s *session) CancelOrder(ctx context.Context, id string) error {
	return s.router.Cancel(ctx, id)
}

func (s *session) Resume(ctx context.Context) error {
	if err := s.router.Halted(); err == nil {
		return nil
	}
	s.router.Resume()
	s.logger.InfoContext(ctx, "submissions resumed by operator")
	if s.deps.Audit != nil {
		if err := s.deps.Audit.Log(ctx, "engine.resume", map[string]any{}); err != nil {
			return fmt.Errorf("session: audit resume: %w", err)
		}
	}
	return nil
}

func portfolioFromView(v ledger.View) handler.Portfolio {
	p := handler.Portfolio{
		Cash:        v.Cash,
		Equity:      v.Equity(),
		Exposure:    v.Exposure(),
		RealizedPnL: v.RealizedPnL,
	}
	for _, pos := range v.Positions {
		if pos.Flat() && pos.RealizedPnL == 0 {
			continue
		}
		p.Positions = append(p.Positions, pos)
	}
	sort.Slice(p.Positions, func(i, j int) bool { return p.Positions[i].Instrument < p.Positions[j].Instrument })
	return p
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
