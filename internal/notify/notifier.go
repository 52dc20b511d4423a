// Package notify delivers engine events to operators. The Notifier is the
// engine's domain.EventSink: Emit only enqueues, and a background loop fans
// each event out to the senders (Telegram, Discord, the Redis event bus)
// whose filter admits it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, ev domain.Event) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

type route struct {
	sender Sender
	events map[domain.EventType]bool // empty admits everything
}

func (r route) admits(t domain.EventType) bool {
	return len(r.events) == 0 || r.events[t]
}

// Stats counts what the notifier has seen.
type Stats struct {
	Emitted   uint64
	Dropped   uint64
	Delivered uint64
	Failed    uint64
}

// Notifier implements domain.EventSink.
type Notifier struct {
	routes  []route
	queue   chan domain.Event
	timeout time.Duration
	logger  *slog.Logger

	emitted   atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

var _ domain.EventSink = (*Notifier)(nil)

// NewNotifier creates a Notifier with a queue of the given size. Senders
// added here only receive the listed event types; an empty list admits all.
func NewNotifier(senders []Sender, events []string, buffer int, logger *slog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	n := &Notifier{
		queue:   make(chan domain.Event, buffer),
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
	for _, s := range senders {
		n.AddSender(s, events)
	}
	return n
}

// AddSender registers s for the given event types. Must be called before Run.
func (n *Notifier) AddSender(s Sender, events []string) {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	n.routes = append(n.routes, route{sender: s, events: allowed})
}

// Emit enqueues ev without blocking. When the queue is full the event is
// dropped and counted.
func (n *Notifier) Emit(ctx context.Context, ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	n.emitted.Add(1)
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
		n.logger.WarnContext(ctx, "notification queue full, dropping event",
			slog.String("type", string(ev.Type)),
		)
	}
}

// Run delivers queued events until ctx is cancelled, then flushes whatever
// is still queued using a fresh deadline.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-n.queue:
			n.dispatch(ctx, ev)
		case <-ctx.Done():
			n.drain()
			return nil
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	for {
		select {
		case ev := <-n.queue:
			n.dispatch(ctx, ev)
		default:
			return
		}
	}
}

// Deliver sends ev synchronously to every admitting sender and returns the
// combined error. Used for events that must go out before shutdown.
func (n *Notifier) Deliver(ctx context.Context, ev domain.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return n.dispatch(ctx, ev)
}

func (n *Notifier) dispatch(ctx context.Context, ev domain.Event) error {
	var errs []string
	for _, r := range n.routes {
		if !r.admits(ev.Type) {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := r.sender.Send(sendCtx, ev)
		cancel()
		if err != nil {
			n.failed.Add(1)
			n.logger.ErrorContext(ctx, "notification send failed",
				slog.String("sender", r.sender.Name()),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", r.sender.Name(), err))
			continue
		}
		n.delivered.Add(1)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Emitted:   n.emitted.Load(),
		Dropped:   n.dropped.Load(),
		Delivered: n.delivered.Load(),
		Failed:    n.failed.Load(),
	}
}

var titles = map[domain.EventType]string{
	domain.EventOrderFilled:            "Order filled",
	domain.EventOrderCancelled:         "Order cancelled",
	domain.EventRiskRejection:          "Risk rejection",
	domain.EventBrokerRejection:        "Broker rejection",
	domain.EventConnectionLost:         "Connection lost",
	domain.EventReconciliationMismatch: "Reconciliation mismatch",
	domain.EventSessionSummary:         "Session summary",
}

// render turns an event into a title and body for chat senders.
func render(ev domain.Event) (string, string) {
	title, ok := titles[ev.Type]
	if !ok {
		title = string(ev.Type)
	}
	if ev.Instrument != "" {
		title += " · " + ev.Instrument
	}
	body := ev.Message
	if ev.OrderID != "" {
		body += "\norder " + ev.OrderID
	}
	body += "\n" + ev.Time.UTC().Format(time.RFC3339)
	return title, body
}
