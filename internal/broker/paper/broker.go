// Package paper is an in-memory broker that fills orders against live
// marks. It implements domain.BrokerAdapter, domain.FillStreamer and
// domain.PositionReporter so the engine runs unchanged in paper mode.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// Config tunes simulated execution.
type Config struct {
	// SlippageBps is applied against the taker on market orders.
	SlippageBps float64
	// FillBuffer sizes the outbound fill channel.
	FillBuffer int
}

type paperOrder struct {
	req    domain.SubmitRequest
	id     string
	state  domain.OrderState
	filled float64
	avg    float64
	fills  []domain.Fill
	reason string
}

func (o *paperOrder) remaining() float64 { return o.req.Quantity - o.filled }

// Broker simulates an exchange. Fills are queued internally and pumped to
// the Fills channel by Run, so Submit never blocks on a slow consumer.
type Broker struct {
	cfg    Config
	prices domain.PriceSource
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	orders    map[string]*paperOrder
	byKey     map[string]string
	resting   []string
	positions map[string]float64
	queue     []domain.Fill
	seq       int

	wake  chan struct{}
	fills chan domain.Fill
}

// New creates a paper broker that prices market orders from prices.
func New(cfg Config, prices domain.PriceSource, logger *slog.Logger) *Broker {
	if cfg.FillBuffer <= 0 {
		cfg.FillBuffer = 256
	}
	return &Broker{
		cfg:       cfg,
		prices:    prices,
		logger:    logger.With(slog.String("component", "paper_broker")),
		now:       func() time.Time { return time.Now().UTC() },
		orders:    make(map[string]*paperOrder),
		byKey:     make(map[string]string),
		positions: make(map[string]float64),
		wake:      make(chan struct{}, 1),
		fills:     make(chan domain.Fill, cfg.FillBuffer),
	}
}

// SetClock replaces the wall clock used to stamp fills.
func (b *Broker) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Fills returns the channel fills are delivered on. It is closed when Run
// returns.
func (b *Broker) Fills() <-chan domain.Fill { return b.fills }

// Run pumps queued fills to the Fills channel until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.fills)
	for {
		b.mu.Lock()
		pending := b.queue
		b.queue = nil
		b.mu.Unlock()

		for _, f := range pending {
			select {
			case b.fills <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-b.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Submit accepts an order. A repeated idempotency key returns the original
// acknowledgement marked as a duplicate.
func (b *Broker) Submit(_ context.Context, req domain.SubmitRequest) (domain.SubmitAck, error) {
	if req.Instrument == "" || !req.Side.Valid() || !(req.Quantity > 0) {
		return domain.SubmitAck{}, &domain.BrokerRejection{Code: "invalid_order", Message: "malformed order"}
	}
	if req.Type == domain.OrderTypeLimit && !(req.LimitPrice > 0) {
		return domain.SubmitAck{}, &domain.BrokerRejection{Code: "invalid_order", Message: "limit order without price"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return domain.SubmitAck{BrokerOrderID: id, Duplicate: true}, nil
	}

	mark, hasMark := b.mark(req.Instrument)
	if req.Type == domain.OrderTypeMarket && !hasMark {
		return domain.SubmitAck{}, &domain.BrokerRejection{
			Code:    "no_price",
			Message: fmt.Sprintf("no mark for %s", req.Instrument),
		}
	}

	b.seq++
	o := &paperOrder{
		req:   req,
		id:    fmt.Sprintf("P-%06d", b.seq),
		state: domain.OrderStateSubmitted,
	}
	b.orders[o.id] = o
	if req.IdempotencyKey != "" {
		b.byKey[req.IdempotencyKey] = o.id
	}

	switch {
	case req.Type == domain.OrderTypeMarket:
		b.fillLocked(o, b.slipped(req.Side, mark))
	case hasMark && crosses(req.Side, req.LimitPrice, mark):
		b.fillLocked(o, mark)
	default:
		b.resting = append(b.resting, o.id)
	}

	b.logger.Info("paper order accepted",
		slog.String("broker_order_id", o.id),
		slog.String("instrument", req.Instrument),
		slog.String("side", string(req.Side)),
		slog.String("type", string(req.Type)),
		slog.Float64("quantity", req.Quantity),
		slog.String("state", string(o.state)),
	)
	return domain.SubmitAck{BrokerOrderID: o.id}, nil
}

// OnPrice fills resting limit orders for instrument that price crosses, in
// the order they were submitted.
func (b *Broker) OnPrice(instrument string, price float64) {
	if !(price > 0) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.resting[:0]
	for _, id := range b.resting {
		o := b.orders[id]
		if !o.state.Working() {
			continue
		}
		if o.req.Instrument == instrument && crosses(o.req.Side, o.req.LimitPrice, price) {
			b.fillLocked(o, o.req.LimitPrice)
			continue
		}
		kept = append(kept, id)
	}
	b.resting = kept
}

// Cancel cancels a working order. Filled or unknown orders are refused.
func (b *Broker) Cancel(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	if !o.state.Working() {
		return &domain.BrokerRejection{Code: "not_cancellable", Message: fmt.Sprintf("order is %s", o.state)}
	}
	o.state = domain.OrderStateCancelled
	o.reason = "cancelled by client"
	return nil
}

// QueryStatus reports the broker's view of an order including its fills.
func (b *Broker) QueryStatus(_ context.Context, brokerOrderID string) (domain.BrokerOrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return domain.BrokerOrderStatus{}, fmt.Errorf("paper: status %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	return domain.BrokerOrderStatus{
		BrokerOrderID: o.id,
		State:         o.state,
		FilledQty:     o.filled,
		AvgFillPrice:  o.avg,
		Fills:         append([]domain.Fill(nil), o.fills...),
		Reason:        o.reason,
	}, nil
}

// Positions returns net filled quantity per instrument.
func (b *Broker) Positions(context.Context) (map[string]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.positions))
	for k, v := range b.positions {
		if v != 0 {
			out[k] = v
		}
	}
	return out, nil
}

func (b *Broker) fillLocked(o *paperOrder, price float64) {
	qty := o.remaining()
	f := domain.Fill{
		ID:            fmt.Sprintf("%s-f%d", o.id, len(o.fills)+1),
		OrderID:       o.req.ClientOrderID,
		BrokerOrderID: o.id,
		Instrument:    o.req.Instrument,
		Side:          o.req.Side,
		Quantity:      qty,
		Price:         price,
		Time:          b.now(),
	}
	o.avg = (o.avg*o.filled + price*qty) / (o.filled + qty)
	o.filled += qty
	o.fills = append(o.fills, f)
	o.state = domain.OrderStateFilled
	b.positions[o.req.Instrument] += o.req.Side.Sign() * qty

	b.queue = append(b.queue, f)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) mark(instrument string) (float64, bool) {
	if b.prices == nil {
		return 0, false
	}
	p, ok := b.prices.LastPrice(instrument)
	return p, ok && p > 0
}

func (b *Broker) slipped(side domain.OrderSide, price float64) float64 {
	return price * (1 + side.Sign()*b.cfg.SlippageBps/10_000)
}

func crosses(side domain.OrderSide, limit, price float64) bool {
	if side == domain.OrderSideBuy {
		return price <= limit
	}
	return price >= limit
}

var (
	_ domain.BrokerAdapter    = (*Broker)(nil)
	_ domain.FillStreamer     = (*Broker)(nil)
	_ domain.PositionReporter = (*Broker)(nil)
)
