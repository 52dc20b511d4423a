// Package router owns the order lifecycle: risk-gated submission, fill
// application, cancellation and reconciliation against a broker adapter.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
	"github.com/alanyoungcy/tradebot/internal/retry"
	"github.com/alanyoungcy/tradebot/internal/risk"
)

// Config holds router tuning. Zero values fall back to the defaults below.
type Config struct {
	Limits         domain.RiskLimits
	SubmitAttempts int
	Backoff        retry.Backoff
	StuckAfter     time.Duration
	LockTTL        time.Duration
	// RateLimit is the maximum broker submissions per second; 0 disables.
	RateLimit int
}

func (c *Config) applyDefaults() {
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = 5
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
}

// FillObserver is told about every fill after it has been booked.
type FillObserver func(ctx context.Context, order domain.Order, fill domain.Fill)

// Router routes approved intents to a broker and tracks the resulting
// orders. It is safe for concurrent use.
type Router struct {
	cfg    Config
	broker domain.BrokerAdapter
	ledger *ledger.Ledger
	logger *slog.Logger

	orders  domain.OrderStore
	fills   domain.FillStore
	audit   domain.AuditStore
	locks   domain.LockManager
	limiter domain.RateLimiter
	prices  domain.PriceSource
	events  domain.EventSink
	onFill  FillObserver

	now   func() time.Time
	sleep retry.Sleeper
	newID func() string

	instruments keyedMutex

	mu        sync.Mutex
	byID      map[string]*domain.Order
	byKey     map[string]string
	byBroker  map[string]string
	seenFills map[string]struct{}
	working   map[string]exposure
	sequence  []string
	halt      error
	closed    bool
	inflight  sync.WaitGroup
}

// New creates a Router that submits to broker and books fills into l.
func New(cfg Config, broker domain.BrokerAdapter, l *ledger.Ledger, logger *slog.Logger) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:       cfg,
		broker:    broker,
		ledger:    l,
		logger:    logger.With(slog.String("component", "router")),
		events:    domain.NopSink{},
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     retry.Sleep,
		newID:     uuid.NewString,
		byID:      make(map[string]*domain.Order),
		byKey:     make(map[string]string),
		byBroker:  make(map[string]string),
		seenFills: make(map[string]struct{}),
		working:   make(map[string]exposure),
	}
}

// SetStores enables persistence. Any argument may be nil.
func (r *Router) SetStores(orders domain.OrderStore, fills domain.FillStore, audit domain.AuditStore) {
	r.orders = orders
	r.fills = fills
	r.audit = audit
}

// SetLockManager makes the per-instrument critical section span processes.
func (r *Router) SetLockManager(lm domain.LockManager) { r.locks = lm }

// SetRateLimiter throttles broker submissions to Config.RateLimit per second.
func (r *Router) SetRateLimiter(rl domain.RateLimiter) { r.limiter = rl }

// SetPriceSource supplies reference prices for market intents.
func (r *Router) SetPriceSource(ps domain.PriceSource) { r.prices = ps }

// SetEventSink routes notifications.
func (r *Router) SetEventSink(sink domain.EventSink) {
	if sink != nil {
		r.events = sink
	}
}

// SetFillObserver registers a callback run after each booked fill.
func (r *Router) SetFillObserver(fn FillObserver) { r.onFill = fn }

// SetClock replaces the wall clock, the backoff sleeper and the id
// generator. The backtest uses it to make runs reproducible.
func (r *Router) SetClock(now func() time.Time, sleep retry.Sleeper, newID func() string) {
	if now != nil {
		r.now = now
	}
	if sleep != nil {
		r.sleep = sleep
	}
	if newID != nil {
		r.newID = newID
	}
}

// Submit runs intent through the risk gate and, when approved, sends it to
// the broker. A key that was already accepted returns the existing order
// without contacting the broker again.
func (r *Router) Submit(ctx context.Context, intent domain.OrderIntent) (domain.Order, error) {
	if intent.IdempotencyKey == "" {
		return domain.Order{}, fmt.Errorf("router: submit: %w: missing idempotency key", domain.ErrInvalidOrder)
	}
	if o, ok := r.lookupKey(ctx, intent.IdempotencyKey); ok {
		return o, nil
	}
	if err := r.admit(); err != nil {
		return domain.Order{}, err
	}
	defer r.inflight.Done()
	if err := cancelled(ctx); err != nil {
		return domain.Order{}, err
	}

	unlock, err := r.lockInstrument(ctx, intent.Instrument)
	if err != nil {
		return domain.Order{}, err
	}
	defer unlock()

	if o, ok := r.lookupKey(ctx, intent.IdempotencyKey); ok {
		return o, nil
	}

	now := r.now()
	order := &domain.Order{
		ID:        r.newID(),
		Intent:    intent,
		State:     domain.OrderStatePendingRisk,
		CreatedAt: now,
		UpdatedAt: now,
	}

	workingBuy, workingSell := r.workingQty(intent.Instrument)
	decision := risk.Evaluate(risk.Input{
		Intent:      intent,
		View:        r.ledger.View(),
		WorkingBuy:  workingBuy,
		WorkingSell: workingSell,
		Price:       r.referencePrice(intent.Instrument),
	}, r.cfg.Limits)

	if !decision.Approved() {
		_ = transition(order, domain.OrderStateRejectedRisk, now)
		order.Reason = string(decision.Reason)
		r.track(order)
		r.persist(ctx, order, "order_rejected_risk")
		r.logger.InfoContext(ctx, "intent rejected by risk gate",
			slog.String("instrument", intent.Instrument),
			slog.String("strategy", intent.StrategyID),
			slog.String("reason", order.Reason),
		)
		r.events.Emit(ctx, domain.Event{
			Type:       domain.EventRiskRejection,
			Instrument: intent.Instrument,
			OrderID:    order.ID,
			Message:    fmt.Sprintf("%s %g %s rejected: %s", intent.Side, intent.Quantity, intent.Instrument, order.Reason),
			Time:       now,
		})
		return *order, &domain.RiskRejection{Instrument: intent.Instrument, Reason: decision.Reason}
	}

	order.Quantity = decision.Quantity
	if decision.Action == domain.RiskReduce {
		order.Reason = string(decision.Reason)
		r.logger.InfoContext(ctx, "intent reduced by risk gate",
			slog.String("instrument", intent.Instrument),
			slog.Float64("requested", intent.Quantity),
			slog.Float64("approved", decision.Quantity),
		)
	}
	// Nothing has been recorded yet, so a cancelled caller leaves no trace
	// and the key stays free for a later run.
	if err := cancelled(ctx); err != nil {
		return domain.Order{}, err
	}
	_ = transition(order, domain.OrderStateSubmitted, now)
	r.track(order)
	r.persist(ctx, order, "order_submitted")

	ack, err := r.submitWithRetry(ctx, order)
	if err != nil {
		r.mu.Lock()
		_ = transition(order, domain.OrderStateRejectedBroker, r.now())
		order.Reason = err.Error()
		r.addWorkingLocked(order, -order.Remaining())
		out := *order
		r.mu.Unlock()

		r.persist(ctx, &out, "order_rejected_broker")
		r.logger.WarnContext(ctx, "order rejected by broker",
			slog.String("order_id", out.ID),
			slog.String("instrument", intent.Instrument),
			slog.String("error", err.Error()),
		)
		r.events.Emit(ctx, domain.Event{
			Type:       domain.EventBrokerRejection,
			Instrument: intent.Instrument,
			OrderID:    out.ID,
			Message:    err.Error(),
			Time:       out.UpdatedAt,
		})
		return out, err
	}

	r.mu.Lock()
	order.BrokerOrderID = ack.BrokerOrderID
	order.UpdatedAt = r.now()
	r.byBroker[ack.BrokerOrderID] = order.ID
	out := *order
	r.mu.Unlock()

	r.persist(ctx, &out, "")
	r.logger.InfoContext(ctx, "order submitted",
		slog.String("order_id", out.ID),
		slog.String("broker_order_id", out.BrokerOrderID),
		slog.String("instrument", intent.Instrument),
		slog.String("side", string(intent.Side)),
		slog.Float64("quantity", out.Quantity),
		slog.Bool("duplicate_ack", ack.Duplicate),
	)
	return out, nil
}

// submitWithRetry sends the order, retrying connection failures with
// backoff. Every attempt carries the same idempotency key.
func (r *Router) submitWithRetry(ctx context.Context, order *domain.Order) (domain.SubmitAck, error) {
	req := domain.SubmitRequest{
		ClientOrderID:  order.ID,
		IdempotencyKey: order.Intent.IdempotencyKey,
		Instrument:     order.Intent.Instrument,
		Side:           order.Intent.Side,
		Quantity:       order.Quantity,
		Type:           order.Intent.Type,
		LimitPrice:     order.Intent.LimitPrice,
	}

	var lastErr error
	attempts := 0
	for attempts < r.cfg.SubmitAttempts {
		if attempts > 0 {
			if r.isClosed() {
				return domain.SubmitAck{}, &domain.BrokerRejection{Code: "shutdown", Err: errors.Join(domain.ErrShuttingDown, lastErr)}
			}
			if err := r.sleep(ctx, r.cfg.Backoff.Next(attempts-1)); err != nil {
				return domain.SubmitAck{}, &domain.BrokerRejection{Code: "cancelled", Err: errors.Join(err, lastErr)}
			}
		}
		if err := r.waitRateLimit(ctx); err != nil {
			return domain.SubmitAck{}, &domain.BrokerRejection{Code: "cancelled", Err: err}
		}

		attempts++
		ack, err := r.broker.Submit(ctx, req)
		if err == nil {
			return ack, nil
		}
		if !domain.IsRetryable(err) {
			var br *domain.BrokerRejection
			if errors.As(err, &br) {
				return domain.SubmitAck{}, err
			}
			return domain.SubmitAck{}, &domain.BrokerRejection{Err: err}
		}
		lastErr = err
		r.logger.WarnContext(ctx, "broker submit failed, retrying",
			slog.String("order_id", order.ID),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
	}

	return domain.SubmitAck{}, &domain.BrokerRejection{
		Code: "retries_exhausted",
		Err:  &domain.ConnectionError{Op: "submit", Attempts: attempts, Err: lastErr},
	}
}

func (r *Router) waitRateLimit(ctx context.Context) error {
	if r.limiter == nil || r.cfg.RateLimit <= 0 {
		return nil
	}
	for {
		ok, err := r.limiter.Allow(ctx, "broker:submit", r.cfg.RateLimit, time.Second)
		if err != nil {
			// Limiter outages must not block trading.
			r.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
			return nil
		}
		if ok {
			return nil
		}
		if err := r.sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
	}
}

// OnFill books a broker fill. Fills are serialized with submissions for
// the same instrument and are idempotent by fill id.
func (r *Router) OnFill(ctx context.Context, fill domain.Fill) error {
	unlock, err := r.lockInstrument(ctx, fill.Instrument)
	if err != nil {
		return err
	}
	defer unlock()
	return r.applyFillLocked(ctx, fill)
}

func (r *Router) applyFillLocked(ctx context.Context, fill domain.Fill) error {
	if fill.ID == "" || !(fill.Quantity > 0) {
		return fmt.Errorf("router: fill: %w", domain.ErrInvalidFill)
	}

	r.mu.Lock()
	if _, seen := r.seenFills[fill.ID]; seen {
		r.mu.Unlock()
		return nil
	}
	order := r.findLocked(fill)
	if order == nil {
		r.mu.Unlock()
		return fmt.Errorf("router: fill %s for unknown order %q/%q: %w",
			fill.ID, fill.OrderID, fill.BrokerOrderID, domain.ErrNotFound)
	}
	if fill.Quantity > order.Remaining()+1e-9 {
		r.mu.Unlock()
		return fmt.Errorf("router: fill %s qty %g exceeds remaining %g of order %s: %w",
			fill.ID, fill.Quantity, order.Remaining(), order.ID, domain.ErrInvalidFill)
	}
	fill.OrderID = order.ID
	if fill.BrokerOrderID == "" {
		fill.BrokerOrderID = order.BrokerOrderID
	}
	if fill.Side == "" {
		fill.Side = order.Intent.Side
	}
	r.mu.Unlock()

	if _, err := r.ledger.ApplyFill(fill); err != nil {
		return fmt.Errorf("router: fill %s: %w", fill.ID, err)
	}

	r.mu.Lock()
	r.seenFills[fill.ID] = struct{}{}
	total := order.FilledQty + fill.Quantity
	order.AvgFillPrice = (order.AvgFillPrice*order.FilledQty + fill.Price*fill.Quantity) / total
	order.FilledQty = total

	next := domain.OrderStatePartiallyFilled
	if order.Remaining() <= 1e-9 {
		next = domain.OrderStateFilled
	}
	if order.State.Working() {
		r.addWorkingLocked(order, -fill.Quantity)
		_ = transition(order, next, r.now())
	} else {
		r.logger.WarnContext(ctx, "fill for order in terminal state",
			slog.String("order_id", order.ID),
			slog.String("state", string(order.State)),
			slog.String("fill_id", fill.ID),
		)
	}
	out := *order
	r.mu.Unlock()

	if r.fills != nil {
		if err := r.fills.Insert(ctx, fill); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			r.logger.ErrorContext(ctx, "persist fill failed", slog.String("fill_id", fill.ID), slog.String("error", err.Error()))
		}
	}
	r.persist(ctx, &out, "")

	r.logger.InfoContext(ctx, "fill booked",
		slog.String("order_id", out.ID),
		slog.String("fill_id", fill.ID),
		slog.String("instrument", fill.Instrument),
		slog.Float64("quantity", fill.Quantity),
		slog.Float64("price", fill.Price),
		slog.String("state", string(out.State)),
	)
	if out.State == domain.OrderStateFilled {
		r.events.Emit(ctx, domain.Event{
			Type:       domain.EventOrderFilled,
			Instrument: fill.Instrument,
			OrderID:    out.ID,
			Message:    fmt.Sprintf("%s %g %s filled @ %.4f", out.Intent.Side, out.FilledQty, fill.Instrument, out.AvgFillPrice),
			Time:       fill.Time,
		})
	}
	if r.onFill != nil {
		r.onFill(ctx, out, fill)
	}
	return nil
}

// Cancel asks the broker to cancel orderID. A refusal, for example because
// the order already filled, is returned wrapped in domain.ErrCancelRefused
// and leaves the order untouched.
func (r *Router) Cancel(ctx context.Context, orderID string) error {
	r.mu.Lock()
	order, ok := r.byID[orderID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("router: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	state, brokerID, instrument := order.State, order.BrokerOrderID, order.Intent.Instrument
	r.mu.Unlock()

	if !state.Working() || brokerID == "" {
		return fmt.Errorf("router: cancel %s in state %s: %w", orderID, state, domain.ErrCancelRefused)
	}

	if err := r.broker.Cancel(ctx, brokerID); err != nil {
		r.logger.WarnContext(ctx, "cancel refused",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("router: cancel %s: %w", orderID, errors.Join(domain.ErrCancelRefused, err))
	}

	unlock, err := r.lockInstrument(ctx, instrument)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	if !order.State.Working() {
		// Filled while the cancel was in flight.
		r.mu.Unlock()
		return nil
	}
	_ = transition(order, domain.OrderStateCancelled, r.now())
	r.addWorkingLocked(order, -order.Remaining())
	out := *order
	r.mu.Unlock()

	r.persist(ctx, &out, "order_cancelled")
	r.events.Emit(ctx, domain.Event{
		Type:       domain.EventOrderCancelled,
		Instrument: instrument,
		OrderID:    orderID,
		Message:    fmt.Sprintf("order %s cancelled with %g/%g filled", orderID, out.FilledQty, out.Quantity),
		Time:       out.UpdatedAt,
	})
	return nil
}

// Order returns a copy of the order with the given id.
func (r *Router) Order(id string) (domain.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byID[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Orders returns every order in creation order.
func (r *Router) Orders() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Order, 0, len(r.sequence))
	for _, id := range r.sequence {
		out = append(out, *r.byID[id])
	}
	return out
}

// OpenOrders returns orders that can still receive fills, oldest first.
func (r *Router) OpenOrders() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, id := range r.sequence {
		if o := r.byID[id]; o.State.Working() {
			out = append(out, *o)
		}
	}
	return out
}

// Close stops accepting submissions. Orders already in flight continue.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Drain waits for in-flight submissions, then queries the broker once for
// every open order so each reaches a terminal or reconciled state.
func (r *Router) Drain(ctx context.Context) error {
	r.Close()
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("router: drain: %w", ctx.Err())
	}
	return r.reconcileOrders(ctx, 0)
}

// Halt blocks new submissions until Resume is called.
func (r *Router) Halt(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halt == nil {
		r.halt = reason
	}
}

// Resume clears a halt.
func (r *Router) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halt = nil
}

// Halted returns the halt reason, or nil.
func (r *Router) Halted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halt
}

func (r *Router) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("router: submit: %w", domain.ErrShuttingDown)
	}
	if r.halt != nil {
		return fmt.Errorf("router: submit: %w: %v", domain.ErrHalted, r.halt)
	}
	r.inflight.Add(1)
	return nil
}

// cancelled reports a done caller context as a shutdown so no order reaches
// the broker once the engine has been asked to stop.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("router: submit: %w: %w", domain.ErrShuttingDown, err)
	}
	return nil
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) lookupKey(ctx context.Context, key string) (domain.Order, bool) {
	r.mu.Lock()
	if id, ok := r.byKey[key]; ok {
		o := *r.byID[id]
		r.mu.Unlock()
		return o, true
	}
	r.mu.Unlock()

	if r.orders == nil {
		return domain.Order{}, false
	}
	o, err := r.orders.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.WarnContext(ctx, "idempotency lookup failed", slog.String("error", err.Error()))
		}
		return domain.Order{}, false
	}
	r.adopt(o)
	return o, true
}

// adopt starts tracking an order loaded from storage.
func (r *Router) adopt(o domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[o.ID]; ok {
		return
	}
	cp := o
	r.byID[o.ID] = &cp
	r.byKey[o.Intent.IdempotencyKey] = o.ID
	if o.BrokerOrderID != "" {
		r.byBroker[o.BrokerOrderID] = o.ID
	}
	if o.State.Working() {
		r.addWorkingLocked(&cp, cp.Remaining())
	}
	r.sequence = append(r.sequence, o.ID)
}

// Restore reloads open orders from the order store after a restart so
// their fills and idempotency keys are recognised.
func (r *Router) Restore(ctx context.Context) error {
	if r.orders == nil {
		return nil
	}
	open, err := r.orders.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("router: restore: %w", err)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	for _, o := range open {
		r.adopt(o)
	}
	r.logger.InfoContext(ctx, "restored open orders", slog.Int("count", len(open)))
	return nil
}

func (r *Router) track(o *domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[o.ID] = o
	r.byKey[o.Intent.IdempotencyKey] = o.ID
	r.sequence = append(r.sequence, o.ID)
	if o.State.Working() {
		r.addWorkingLocked(o, o.Quantity)
	}
}

func (r *Router) findLocked(f domain.Fill) *domain.Order {
	if f.OrderID != "" {
		if o, ok := r.byID[f.OrderID]; ok {
			return o
		}
	}
	if f.BrokerOrderID != "" {
		if id, ok := r.byBroker[f.BrokerOrderID]; ok {
			return r.byID[id]
		}
	}
	return nil
}

// exposure is the unfilled quantity of working orders on each side of one
// instrument.
type exposure struct {
	buy, sell float64
}

// addWorkingLocked moves the working quantity on o's side by qty.
func (r *Router) addWorkingLocked(o *domain.Order, qty float64) {
	e := r.working[o.Intent.Instrument]
	if o.Intent.Side == domain.OrderSideBuy {
		e.buy = settle(e.buy + qty)
	} else {
		e.sell = settle(e.sell + qty)
	}
	r.working[o.Intent.Instrument] = e
}

func (r *Router) workingQty(instrument string) (buy, sell float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.working[instrument]
	return e.buy, e.sell
}

// settle clears float residue and never lets a side go negative.
func settle(q float64) float64 {
	if q < 1e-9 {
		return 0
	}
	return q
}

func (r *Router) referencePrice(instrument string) float64 {
	if r.prices == nil {
		return 0
	}
	if p, ok := r.prices.LastPrice(instrument); ok {
		return p
	}
	return 0
}

// persist writes the order and, when auditEvent is set, an audit row.
// Storage failures are logged; the in-memory state stays authoritative.
func (r *Router) persist(ctx context.Context, o *domain.Order, auditEvent string) {
	if r.orders != nil {
		r.mu.Lock()
		cp := *o
		r.mu.Unlock()
		if err := r.orders.Upsert(ctx, cp); err != nil {
			r.logger.ErrorContext(ctx, "persist order failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.audit != nil && auditEvent != "" {
		detail := map[string]any{
			"order_id":        o.ID,
			"instrument":      o.Intent.Instrument,
			"side":            string(o.Intent.Side),
			"quantity":        o.Quantity,
			"requested":       o.Intent.Quantity,
			"state":           string(o.State),
			"reason":          o.Reason,
			"idempotency_key": o.Intent.IdempotencyKey,
			"strategy":        o.Intent.StrategyID,
		}
		if err := r.audit.Log(ctx, auditEvent, detail); err != nil {
			r.logger.ErrorContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
}
