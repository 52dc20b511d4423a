package backtest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// SimConfig is the fill model of the simulated broker.
type SimConfig struct {
	// SlippageBps is the base taker slippage of a market order.
	SlippageBps float64
	// ImpactSize is the order size that doubles the base slippage. Zero
	// disables the size term.
	ImpactSize float64
	// Jitter randomises slippage by +/- this fraction using Seed.
	Jitter float64
	Seed   uint64
}

type simOrder struct {
	req    domain.SubmitRequest
	id     string
	state  domain.OrderState
	filled float64
	avg    float64
	fills  []domain.Fill
}

// SimBroker is a deterministic exchange for replay. Market orders fill on
// the next tick of their instrument; limit orders fill when a later tick
// crosses the limit, in submission order.
type SimBroker struct {
	cfg   SimConfig
	clock Clock

	mu      sync.Mutex
	rng     *rand.Rand
	orders  map[string]*simOrder
	byKey   map[string]string
	working []string
	last    map[string]float64
	seq     int
}

// NewSimBroker creates a simulated broker stamping fills from clock.
func NewSimBroker(cfg SimConfig, clock Clock) *SimBroker {
	return &SimBroker{
		cfg:    cfg,
		clock:  clock,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		orders: make(map[string]*simOrder),
		byKey:  make(map[string]string),
		last:   make(map[string]float64),
	}
}

// Submit queues an order for the next tick.
func (b *SimBroker) Submit(_ context.Context, req domain.SubmitRequest) (domain.SubmitAck, error) {
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

	b.seq++
	o := &simOrder{req: req, id: fmt.Sprintf("SIM-%06d", b.seq), state: domain.OrderStateSubmitted}
	b.orders[o.id] = o
	if req.IdempotencyKey != "" {
		b.byKey[req.IdempotencyKey] = o.id
	}
	b.working = append(b.working, o.id)
	return domain.SubmitAck{BrokerOrderID: o.id}, nil
}

// OnTick matches working orders for the tick's instrument and returns the
// resulting fills in submission order.
func (b *SimBroker) OnTick(t domain.Tick) []domain.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := t.MarkPrice(); p > 0 {
		b.last[t.Instrument] = p
	}

	var fills []domain.Fill
	kept := b.working[:0]
	for _, id := range b.working {
		o := b.orders[id]
		if !o.state.Working() {
			continue
		}
		if o.req.Instrument != t.Instrument {
			kept = append(kept, id)
			continue
		}
		price, ok := b.matchLocked(o, t)
		if !ok {
			kept = append(kept, id)
			continue
		}
		fills = append(fills, b.fillLocked(o, price, t))
	}
	b.working = kept
	return fills
}

func (b *SimBroker) matchLocked(o *simOrder, t domain.Tick) (float64, bool) {
	if o.req.Type == domain.OrderTypeMarket {
		p := t.MarkPrice()
		if !(p > 0) {
			return 0, false
		}
		return p * (1 + o.req.Side.Sign()*b.slippageLocked(o.req.Quantity)/10_000), true
	}

	touch := t.Last
	if o.req.Side == domain.OrderSideBuy {
		if ask := t.BestAsk().Price; ask > 0 {
			touch = ask
		}
		return o.req.LimitPrice, touch > 0 && touch <= o.req.LimitPrice
	}
	if bid := t.BestBid().Price; bid > 0 {
		touch = bid
	}
	return o.req.LimitPrice, touch > 0 && touch >= o.req.LimitPrice
}

// slippageLocked is SlippageBps x (1 + size/ImpactSize), optionally jittered.
func (b *SimBroker) slippageLocked(size float64) float64 {
	bps := b.cfg.SlippageBps
	if b.cfg.ImpactSize > 0 {
		bps *= 1 + size/b.cfg.ImpactSize
	}
	if b.cfg.Jitter > 0 {
		bps *= 1 + b.cfg.Jitter*(2*b.rng.Float64()-1)
	}
	return bps
}

func (b *SimBroker) fillLocked(o *simOrder, price float64, t domain.Tick) domain.Fill {
	qty := o.req.Quantity - o.filled
	f := domain.Fill{
		ID:            fmt.Sprintf("%s-f%d", o.id, len(o.fills)+1),
		OrderID:       o.req.ClientOrderID,
		BrokerOrderID: o.id,
		Instrument:    o.req.Instrument,
		Side:          o.req.Side,
		Quantity:      qty,
		Price:         price,
		Time:          t.ExchangeTime,
	}
	if f.Time.IsZero() {
		f.Time = b.clock.Now()
	}
	o.avg = (o.avg*o.filled + price*qty) / (o.filled + qty)
	o.filled += qty
	o.fills = append(o.fills, f)
	o.state = domain.OrderStateFilled
	return f
}

// Cancel cancels a working order.
func (b *SimBroker) Cancel(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("backtest: cancel %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	if !o.state.Working() {
		return &domain.BrokerRejection{Code: "not_cancellable", Message: fmt.Sprintf("order is %s", o.state)}
	}
	o.state = domain.OrderStateCancelled
	return nil
}

// QueryStatus reports the simulated order.
func (b *SimBroker) QueryStatus(_ context.Context, brokerOrderID string) (domain.BrokerOrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return domain.BrokerOrderStatus{}, fmt.Errorf("backtest: status %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	return domain.BrokerOrderStatus{
		BrokerOrderID: o.id,
		State:         o.state,
		FilledQty:     o.filled,
		AvgFillPrice:  o.avg,
		Fills:         append([]domain.Fill(nil), o.fills...),
	}, nil
}

// LastPrice returns the last replayed mark, making the simulator the
// router's price source.
func (b *SimBroker) LastPrice(instrument string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.last[instrument]
	return p, ok
}
