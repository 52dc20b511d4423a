package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
	"github.com/alanyoungcy/tradebot/internal/retry"
)

type fakeBroker struct {
	mu          sync.Mutex
	submits     []domain.SubmitRequest
	acks        map[string]domain.SubmitAck
	failures    int // connection failures before succeeding
	reject      error
	cancelErr   error
	cancelled   []string
	status      map[string]domain.BrokerOrderStatus
	positions   map[string]float64
	onSubmitted func(req domain.SubmitRequest, ack domain.SubmitAck)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{acks: map[string]domain.SubmitAck{}, status: map[string]domain.BrokerOrderStatus{}}
}

func (b *fakeBroker) Submit(_ context.Context, req domain.SubmitRequest) (domain.SubmitAck, error) {
	b.mu.Lock()
	b.submits = append(b.submits, req)
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return domain.SubmitAck{}, &domain.ConnectionError{Op: "submit", Err: io.ErrUnexpectedEOF}
	}
	if b.reject != nil {
		b.mu.Unlock()
		return domain.SubmitAck{}, b.reject
	}
	if ack, ok := b.acks[req.IdempotencyKey]; ok {
		b.mu.Unlock()
		ack.Duplicate = true
		return ack, nil
	}
	ack := domain.SubmitAck{BrokerOrderID: fmt.Sprintf("B-%d", len(b.acks)+1)}
	b.acks[req.IdempotencyKey] = ack
	cb := b.onSubmitted
	b.mu.Unlock()
	if cb != nil {
		cb(req, ack)
	}
	return ack, nil
}

func (b *fakeBroker) Cancel(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.cancelled = append(b.cancelled, id)
	return nil
}

func (b *fakeBroker) QueryStatus(_ context.Context, id string) (domain.BrokerOrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.status[id]
	if !ok {
		return domain.BrokerOrderStatus{}, domain.ErrNotFound
	}
	return st, nil
}

func (b *fakeBroker) Positions(context.Context) (map[string]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions, nil
}

func (b *fakeBroker) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submits)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestRouter(t *testing.T, broker domain.BrokerAdapter, limits domain.RiskLimits) (*Router, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(100_000)
	l.Mark("ABC", 100)
	r := New(Config{Limits: limits, SubmitAttempts: 3}, broker, l, testLogger)
	r.SetClock(nil, retry.NoSleep, nil)
	return r, l
}

var looseLimits = domain.RiskLimits{MaxPositionNotional: 1_000_000, RiskPerTrade: 1, Mode: domain.ModePaper}

// working returns the unfilled buy and sell quantity for ABC.
func working(r *Router) [2]float64 {
	b, s := r.workingQty("ABC")
	return [2]float64{b, s}
}

func intent(key string, side domain.OrderSide, qty float64) domain.OrderIntent {
	return domain.OrderIntent{
		Instrument:     "ABC",
		Side:           side,
		Quantity:       qty,
		Type:           domain.OrderTypeMarket,
		StrategyID:     "test",
		IdempotencyKey: key,
	}
}

func TestSubmitAndFill(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	sink := &recordingSink{}
	r, l := newTestRouter(t, b, looseLimits)
	r.SetEventSink(sink)

	o, err := r.Submit(ctx, intent("k1", domain.OrderSideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateSubmitted, o.State)
	assert.Equal(t, "B-1", o.BrokerOrderID)
	assert.Equal(t, [2]float64{10, 0}, working(r))

	require.NoError(t, r.OnFill(ctx, domain.Fill{ID: "f1", BrokerOrderID: "B-1", Instrument: "ABC", Quantity: 4, Price: 100}))
	o, _ = r.Order(o.ID)
	assert.Equal(t, domain.OrderStatePartiallyFilled, o.State)

	require.NoError(t, r.OnFill(ctx, domain.Fill{ID: "f2", BrokerOrderID: "B-1", Instrument: "ABC", Quantity: 6, Price: 105}))
	o, _ = r.Order(o.ID)
	assert.Equal(t, domain.OrderStateFilled, o.State)
	assert.InDelta(t, 103.0, o.AvgFillPrice, 1e-9)
	assert.Equal(t, 10.0, l.Snapshot("ABC").Quantity)
	assert.Zero(t, working(r))
	assert.Contains(t, sink.types(), domain.EventOrderFilled)

	// Replayed fill is a no-op.
	require.NoError(t, r.OnFill(ctx, domain.Fill{ID: "f2", BrokerOrderID: "B-1", Instrument: "ABC", Quantity: 6, Price: 105}))
	assert.Equal(t, 10.0, l.Snapshot("ABC").Quantity)
}

func TestSubmitIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	r, _ := newTestRouter(t, b, looseLimits)

	first, err := r.Submit(ctx, intent("same", domain.OrderSideBuy, 5))
	require.NoError(t, err)
	second, err := r.Submit(ctx, intent("same", domain.OrderSideBuy, 5))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, b.submitCount())
}

func TestSubmitRetriesWithSameKey(t *testing.T) {
	b := newFakeBroker()
	b.failures = 2
	r, _ := newTestRouter(t, b, looseLimits)

	o, err := r.Submit(context.Background(), intent("retry", domain.OrderSideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateSubmitted, o.State)
	require.Equal(t, 3, b.submitCount())
	for _, req := range b.submits {
		assert.Equal(t, "retry", req.IdempotencyKey)
		assert.Equal(t, o.ID, req.ClientOrderID)
	}
}

func TestSubmitRetriesExhausted(t *testing.T) {
	b := newFakeBroker()
	b.failures = 100
	r, _ := newTestRouter(t, b, looseLimits)

	o, err := r.Submit(context.Background(), intent("down", domain.OrderSideBuy, 1))
	require.Error(t, err)
	assert.Equal(t, domain.OrderStateRejectedBroker, o.State)
	assert.Equal(t, 3, b.submitCount())

	var br *domain.BrokerRejection
	require.ErrorAs(t, err, &br)
	var ce *domain.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Zero(t, working(r))
}

func TestBrokerRejectionIsTerminal(t *testing.T) {
	b := newFakeBroker()
	b.reject = &domain.BrokerRejection{Code: "insufficient_margin", Message: "no margin"}
	sink := &recordingSink{}
	r, _ := newTestRouter(t, b, looseLimits)
	r.SetEventSink(sink)

	o, err := r.Submit(context.Background(), intent("rej", domain.OrderSideBuy, 1))
	var br *domain.BrokerRejection
	require.ErrorAs(t, err, &br)
	assert.Equal(t, "insufficient_margin", br.Code)
	assert.Equal(t, domain.OrderStateRejectedBroker, o.State)
	assert.Equal(t, 1, b.submitCount())
	assert.Equal(t, []domain.EventType{domain.EventBrokerRejection}, sink.types())
}

func TestRiskRejectionNeverReachesBroker(t *testing.T) {
	b := newFakeBroker()
	r, _ := newTestRouter(t, b, domain.RiskLimits{MaxPositionNotional: 500, RiskPerTrade: 1})

	o, err := r.Submit(context.Background(), intent("big", domain.OrderSideBuy, 10))
	var rr *domain.RiskRejection
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, domain.ReasonMaxPosition, rr.Reason)
	assert.Equal(t, domain.OrderStateRejectedRisk, o.State)
	assert.Zero(t, b.submitCount())
}

func TestConcurrentSubmissionsRespectMaxPosition(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	limits := domain.RiskLimits{MaxPositionNotional: 50_000, RiskPerTrade: 1}
	r, l := newTestRouter(t, b, limits)

	// Half the orders fill immediately from a separate goroutine, the rest
	// stay working, so both ledger and working quantity are exercised.
	var fills sync.WaitGroup
	b.onSubmitted = func(req domain.SubmitRequest, ack domain.SubmitAck) {
		if len(req.IdempotencyKey)%2 == 0 {
			return
		}
		fills.Add(1)
		go func() {
			defer fills.Done()
			_ = r.OnFill(ctx, domain.Fill{ID: "fill-" + ack.BrokerOrderID, BrokerOrderID: ack.BrokerOrderID,
				Instrument: req.Instrument, Side: req.Side, Quantity: req.Quantity, Price: 100})
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Submit(ctx, intent(fmt.Sprintf("key-%d", i), domain.OrderSideBuy, 100))
		}(i)
	}
	wg.Wait()
	fills.Wait()

	var approved float64
	for _, o := range r.Orders() {
		if o.State != domain.OrderStateRejectedRisk {
			approved += o.Quantity
		}
	}
	assert.LessOrEqual(t, approved*100, limits.MaxPositionNotional)
	assert.LessOrEqual(t, (l.Snapshot("ABC").Quantity+working(r)[0])*100, limits.MaxPositionNotional)
	assert.Equal(t, 5, b.submitCount())
}

func TestOppositeSideWorkingStillCapped(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	limits := domain.RiskLimits{MaxPositionNotional: 10_000}
	r, l := newTestRouter(t, b, limits)

	sell, err := r.Submit(ctx, intent("s", domain.OrderSideSell, 100))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStateSubmitted, sell.State)

	// Netting against the working sell would allow 200 here, but the buy
	// can fill while the sell never does.
	_, err = r.Submit(ctx, intent("b-big", domain.OrderSideBuy, 200))
	var rr *domain.RiskRejection
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, domain.ReasonMaxPosition, rr.Reason)

	buy, err := r.Submit(ctx, intent("b", domain.OrderSideBuy, 100))
	require.NoError(t, err)
	assert.Equal(t, [2]float64{100, 100}, working(r))

	require.NoError(t, r.OnFill(ctx, domain.Fill{ID: "bf", BrokerOrderID: buy.BrokerOrderID, Instrument: "ABC", Quantity: 100, Price: 100}))
	assert.LessOrEqual(t, l.Snapshot("ABC").Quantity*100, limits.MaxPositionNotional)
	assert.Equal(t, [2]float64{0, 100}, working(r))
	assert.Equal(t, 2, b.submitCount())
}

func TestSubmitWithCancelledContext(t *testing.T) {
	b := newFakeBroker()
	r, _ := newTestRouter(t, b, looseLimits)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Submit(ctx, intent("after-stop", domain.OrderSideBuy, 1))
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.submitCount())
	assert.Empty(t, r.Orders())

	// The key was not consumed.
	o, err := r.Submit(context.Background(), intent("after-stop", domain.OrderSideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateSubmitted, o.State)
}

func TestLateFillAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	b.failures = 100
	limits := domain.RiskLimits{MaxPositionNotional: 1_000}
	r, l := newTestRouter(t, b, limits)

	o, err := r.Submit(ctx, intent("ambiguous", domain.OrderSideBuy, 10))
	require.Error(t, err)
	require.Equal(t, domain.OrderStateRejectedBroker, o.State)
	assert.Zero(t, working(r))

	// One of the timed-out attempts did reach the broker.
	require.NoError(t, r.OnFill(ctx, domain.Fill{ID: "late", OrderID: o.ID, Instrument: "ABC", Quantity: 10, Price: 100}))
	assert.Equal(t, 10.0, l.Snapshot("ABC").Quantity)
	assert.Zero(t, working(r))
	o, _ = r.Order(o.ID)
	assert.Equal(t, domain.OrderStateRejectedBroker, o.State)

	// The booked position already uses the whole cap.
	b.failures = 0
	_, err = r.Submit(ctx, intent("next", domain.OrderSideBuy, 1))
	var rr *domain.RiskRejection
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, domain.ReasonMaxPosition, rr.Reason)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	r, _ := newTestRouter(t, b, looseLimits)

	o, err := r.Submit(ctx, intent("c1", domain.OrderSideBuy, 3))
	require.NoError(t, err)
	require.NoError(t, r.Cancel(ctx, o.ID))
	o, _ = r.Order(o.ID)
	assert.Equal(t, domain.OrderStateCancelled, o.State)
	assert.Zero(t, working(r))

	// Cancelling a terminal order is reported, not fatal.
	err = r.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrCancelRefused)

	// Broker refusal leaves the order working.
	o2, err := r.Submit(ctx, intent("c2", domain.OrderSideBuy, 3))
	require.NoError(t, err)
	b.cancelErr = errors.New("order already filled")
	err = r.Cancel(ctx, o2.ID)
	assert.ErrorIs(t, err, domain.ErrCancelRefused)
	o2, _ = r.Order(o2.ID)
	assert.Equal(t, domain.OrderStateSubmitted, o2.State)

	assert.ErrorIs(t, r.Cancel(ctx, "missing"), domain.ErrNotFound)
}

func TestReconcileStuckAdoptsBrokerState(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	r, l := newTestRouter(t, b, looseLimits)

	now := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now }, nil, nil)

	o, err := r.Submit(ctx, intent("stuck", domain.OrderSideBuy, 10))
	require.NoError(t, err)

	b.status[o.BrokerOrderID] = domain.BrokerOrderStatus{
		BrokerOrderID: o.BrokerOrderID,
		State:         domain.OrderStateFilled,
		FilledQty:     10,
		AvgFillPrice:  101,
		Fills: []domain.Fill{{ID: "sf1", BrokerOrderID: o.BrokerOrderID, Quantity: 4, Price: 100, Side: domain.OrderSideBuy}},
	}

	// Not stuck yet.
	require.NoError(t, r.ReconcileStuck(ctx))
	assert.Zero(t, l.Snapshot("ABC").Quantity)

	now = now.Add(time.Minute)
	require.NoError(t, r.ReconcileStuck(ctx))
	o, _ = r.Order(o.ID)
	assert.Equal(t, domain.OrderStateFilled, o.State)
	assert.InDelta(t, 101.0, o.AvgFillPrice, 1e-9)
	assert.Equal(t, 10.0, l.Snapshot("ABC").Quantity)
	assert.Equal(t, 1, b.submitCount(), "reconciliation never resubmits")

	// A second pass is a no-op.
	require.NoError(t, r.reconcileOrders(ctx, 0))
	assert.Equal(t, 10.0, l.Snapshot("ABC").Quantity)
}

func TestReconcileCancelledByBroker(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	r, _ := newTestRouter(t, b, looseLimits)

	o, err := r.Submit(ctx, intent("gone", domain.OrderSideSell, 2))
	require.NoError(t, err)
	b.status[o.BrokerOrderID] = domain.BrokerOrderStatus{BrokerOrderID: o.BrokerOrderID, State: domain.OrderStateCancelled, Reason: "expired"}

	require.NoError(t, r.reconcileOrders(ctx, 0))
	o, _ = r.Order(o.ID)
	assert.Equal(t, domain.OrderStateCancelled, o.State)
	assert.Zero(t, working(r))
}

func TestReconciliationMismatchHalts(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	b.positions = map[string]float64{"ABC": 5}
	sink := &recordingSink{}
	r, _ := newTestRouter(t, b, looseLimits)
	r.SetEventSink(sink)

	err := r.ReconcilePositions(ctx)
	var rm *domain.ReconciliationMismatch
	require.ErrorAs(t, err, &rm)
	require.Len(t, rm.Diffs, 1)
	assert.Equal(t, 5.0, rm.Diffs[0].Broker)
	assert.Contains(t, sink.types(), domain.EventReconciliationMismatch)

	_, err = r.Submit(ctx, intent("blocked", domain.OrderSideBuy, 1))
	assert.ErrorIs(t, err, domain.ErrHalted)
	assert.Zero(t, b.submitCount())

	r.Resume()
	_, err = r.Submit(ctx, intent("unblocked", domain.OrderSideBuy, 1))
	assert.NoError(t, err)
}

func TestNoSubmissionAfterClose(t *testing.T) {
	b := newFakeBroker()
	r, _ := newTestRouter(t, b, looseLimits)

	require.NoError(t, r.Drain(context.Background()))
	_, err := r.Submit(context.Background(), intent("late", domain.OrderSideBuy, 1))
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
	assert.Zero(t, b.submitCount())
}

type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func (m *memOrderStore) Upsert(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orders == nil {
		m.orders = map[string]domain.Order{}
	}
	m.orders[o.ID] = o
	return nil
}

func (m *memOrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (m *memOrderStore) GetByIdempotencyKey(_ context.Context, key string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Intent.IdempotencyKey == key {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (m *memOrderStore) ListOpen(context.Context) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.State.Working() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memOrderStore) ListRecent(context.Context, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}

func (m *memOrderStore) ListBefore(context.Context, time.Time, int) ([]domain.Order, error) {
	return nil, nil
}

func TestIdempotencySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := &memOrderStore{}
	b := newFakeBroker()

	r1, _ := newTestRouter(t, b, looseLimits)
	r1.SetStores(store, nil, nil)
	first, err := r1.Submit(ctx, intent("persisted", domain.OrderSideBuy, 2))
	require.NoError(t, err)

	r2, l2 := newTestRouter(t, b, looseLimits)
	r2.SetStores(store, nil, nil)
	require.NoError(t, r2.Restore(ctx))

	again, err := r2.Submit(ctx, intent("persisted", domain.OrderSideBuy, 2))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, b.submitCount())

	// The restored order still accepts its fills.
	require.NoError(t, r2.OnFill(ctx, domain.Fill{ID: "rf", BrokerOrderID: first.BrokerOrderID, Instrument: "ABC", Quantity: 2, Price: 100}))
	assert.Equal(t, 2.0, l2.Snapshot("ABC").Quantity)
}
