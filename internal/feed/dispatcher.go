package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// TickHandler consumes one tick. Calls for the same instrument are never
// concurrent and arrive in feed order.
type TickHandler func(ctx context.Context, tick domain.Tick)

// Dispatcher gives every instrument its own goroutine and buffered channel,
// so a slow instrument never reorders or blocks delivery for another.
type Dispatcher struct {
	handler TickHandler
	buffer  int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lanes   map[string]chan domain.Tick
	closed  bool
	workers sync.WaitGroup
}

// NewDispatcher creates a dispatcher. buffer is the per-instrument channel
// capacity.
func NewDispatcher(handler TickHandler, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: handler,
		buffer:  buffer,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]chan domain.Tick),
	}
}

// Dispatch queues t on its instrument's lane, starting the lane on first
// use. It blocks while the lane is full and returns ctx.Err() if ctx ends
// first, or domain.ErrShuttingDown after Close.
func (d *Dispatcher) Dispatch(ctx context.Context, t domain.Tick) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.ErrShuttingDown
	}
	lane, ok := d.lanes[t.Instrument]
	if !ok {
		lane = make(chan domain.Tick, d.buffer)
		d.lanes[t.Instrument] = lane
		d.workers.Add(1)
		go d.run(t.Instrument, lane)
	}
	d.mu.Unlock()

	select {
	case lane <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(instrument string, lane <-chan domain.Tick) {
	defer d.workers.Done()
	d.logger.Debug("instrument lane started", slog.String("instrument", instrument))
	for t := range lane {
		if d.ctx.Err() != nil {
			continue
		}
		d.handler(d.ctx, t)
	}
}

// Close stops accepting ticks and waits for queued ticks to be handled.
// If ctx ends first, handlers see a cancelled context and the remaining
// backlog is discarded. Dispatch must not be called concurrently with
// Close.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}
