// Package executor runs the live engine loop: it feeds strategy intents to
// the order router, books broker fills and periodically reconciles open
// orders and positions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// OrderRouter is the subset of the router the executor drives.
type OrderRouter interface {
	Submit(ctx context.Context, intent domain.OrderIntent) (domain.Order, error)
	OnFill(ctx context.Context, fill domain.Fill) error
	ReconcileStuck(ctx context.Context) error
	ReconcilePositions(ctx context.Context) error
	OpenOrders() []domain.Order
}

// RejectionHandler is told when an intent did not become a working order.
// The strategy engine implements it.
type RejectionHandler interface {
	OnRejection(ctx context.Context, intent domain.OrderIntent, reason error)
}

// Config tunes the executor.
type Config struct {
	// Workers is the number of goroutines submitting intents. The router
	// serializes submissions per instrument.
	Workers           int
	DedupTTL          time.Duration
	ReconcileInterval time.Duration
	CleanupInterval   time.Duration
	// DrainTimeout bounds booking of buffered fills at shutdown.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 15 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// Stats are cumulative executor counters.
type Stats struct {
	Intents    uint64 `json:"intents"`
	Duplicates uint64 `json:"duplicates"`
	Submitted  uint64 `json:"submitted"`
	Rejected   uint64 `json:"rejected"`
	Fills      uint64 `json:"fills"`
	FillErrors uint64 `json:"fill_errors"`
	Dropped    uint64 `json:"dropped"`
}

// Executor connects the intent channel and the broker fill channel to the
// router.
type Executor struct {
	cfg        Config
	intentCh   <-chan domain.OrderIntent
	fillCh     <-chan domain.Fill
	router     OrderRouter
	rejections RejectionHandler
	dedup      *Dedup
	logger     *slog.Logger

	intents    atomic.Uint64
	duplicates atomic.Uint64
	submitted  atomic.Uint64
	rejected   atomic.Uint64
	fills      atomic.Uint64
	fillErrors atomic.Uint64
	dropped    atomic.Uint64
}

// New creates an Executor. fillCh may be nil for brokers that do not push
// fills; rejections may be nil.
func New(cfg Config, intentCh <-chan domain.OrderIntent, fillCh <-chan domain.Fill, router OrderRouter, rejections RejectionHandler, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		cfg:        cfg,
		intentCh:   intentCh,
		fillCh:     fillCh,
		router:     router,
		rejections: rejections,
		dedup:      NewDedup(cfg.DedupTTL),
		logger:     logger.With(slog.String("component", "executor")),
	}
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Intents:    e.intents.Load(),
		Duplicates: e.duplicates.Load(),
		Submitted:  e.submitted.Load(),
		Rejected:   e.rejected.Load(),
		Fills:      e.fills.Load(),
		FillErrors: e.fillErrors.Load(),
		Dropped:    e.dropped.Load(),
	}
}

// Run processes intents and fills until ctx is cancelled. On shutdown it
// stops taking intents, discarding any still buffered, and books fills
// already delivered before returning.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", slog.Int("workers", e.cfg.Workers))
	defer e.logger.Info("executor stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.submitLoop(gctx) })
	}
	if e.fillCh != nil {
		g.Go(func() error { return e.fillLoop(gctx) })
	}
	g.Go(func() error { return e.maintenanceLoop(gctx) })

	err := g.Wait()
	e.drain()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Executor) submitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent, ok := <-e.intentCh:
			if !ok {
				return nil
			}
			// select picks randomly when both are ready; a stop wins.
			if err := ctx.Err(); err != nil {
				return err
			}
			e.process(ctx, intent)
		}
	}
}

// process submits one intent. Every outcome other than a working order is
// reported back to the strategy.
func (e *Executor) process(ctx context.Context, intent domain.OrderIntent) {
	e.intents.Add(1)
	log := e.logger.With(
		slog.String("idempotency_key", intent.IdempotencyKey),
		slog.String("strategy", intent.StrategyID),
		slog.String("instrument", intent.Instrument),
		slog.String("side", string(intent.Side)),
	)

	if intent.IdempotencyKey != "" && e.dedup.IsDuplicate(intent.IdempotencyKey) {
		e.duplicates.Add(1)
		log.Debug("intent deduplicated, skipping")
		return
	}

	order, err := e.router.Submit(ctx, intent)
	if err != nil {
		e.rejected.Add(1)
		var rr *domain.RiskRejection
		if errors.As(err, &rr) {
			log.Info("intent rejected", slog.String("reason", string(rr.Reason)))
		} else {
			log.Warn("intent not submitted", slog.String("error", err.Error()))
		}
		if e.rejections != nil {
			e.rejections.OnRejection(ctx, intent, err)
		}
		return
	}
	e.submitted.Add(1)
	log.Debug("intent submitted",
		slog.String("order_id", order.ID),
		slog.String("state", string(order.State)),
		slog.Float64("quantity", order.Quantity),
	)
}

func (e *Executor) fillLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-e.fillCh:
			if !ok {
				return nil
			}
			e.applyFill(ctx, f)
		}
	}
}

func (e *Executor) applyFill(ctx context.Context, f domain.Fill) {
	if err := e.router.OnFill(ctx, f); err != nil {
		e.fillErrors.Add(1)
		e.logger.Error("fill not booked",
			slog.String("fill_id", f.ID),
			slog.String("order_id", f.OrderID),
			slog.String("broker_order_id", f.BrokerOrderID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.fills.Add(1)
}

// maintenanceLoop reconciles stuck orders, checks positions against the
// broker whenever no order is working, and expires dedup entries.
func (e *Executor) maintenanceLoop(ctx context.Context) error {
	reconcile := time.NewTicker(e.cfg.ReconcileInterval)
	defer reconcile.Stop()
	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconcile.C:
			e.Reconcile(ctx)
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

// Reconcile runs one reconciliation pass. Positions are compared only when
// the router has no working orders, so fills still in flight are not
// mistaken for a divergence.
func (e *Executor) Reconcile(ctx context.Context) {
	if err := e.router.ReconcileStuck(ctx); err != nil {
		e.logger.Warn("stuck order reconciliation incomplete", slog.String("error", err.Error()))
	}
	if len(e.router.OpenOrders()) > 0 {
		return
	}
	if err := e.router.ReconcilePositions(ctx); err != nil {
		var mismatch *domain.ReconciliationMismatch
		if errors.As(err, &mismatch) {
			e.logger.Error("position reconciliation failed, submissions halted",
				slog.Int("instruments", len(mismatch.Diffs)))
			return
		}
		e.logger.Warn("position reconciliation skipped", slog.String("error", err.Error()))
	}
}

// drain books fills that were already delivered and discards buffered
// intents.
func (e *Executor) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()

	for {
		select {
		case intent, ok := <-e.intentCh:
			if !ok {
				e.intentCh = nil
				continue
			}
			e.dropped.Add(1)
			e.logger.Warn("discarding intent after shutdown",
				slog.String("idempotency_key", intent.IdempotencyKey),
				slog.String("instrument", intent.Instrument),
			)
		case f, ok := <-e.fillCh:
			if !ok {
				e.fillCh = nil
				continue
			}
			e.applyFill(ctx, f)
		default:
			return
		}
	}
}

// String returns a human-readable description of the executor.
func (e *Executor) String() string {
	return fmt.Sprintf("Executor(workers=%d)", e.cfg.Workers)
}
