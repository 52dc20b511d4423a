package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// BusSender publishes events as JSON on an event bus: one Pub/Sub channel
// per event type for live consumers, plus an append to a shared stream that
// the ops API reads back.
type BusSender struct {
	bus     domain.EventBus
	channel func(domain.EventType) string
	stream  string
}

// NewBusSender creates a BusSender. channel maps an event type to its
// Pub/Sub channel.
func NewBusSender(bus domain.EventBus, channel func(domain.EventType) string, stream string) *BusSender {
	return &BusSender{bus: bus, channel: channel, stream: stream}
}

// Send publishes and appends ev.
func (b *BusSender) Send(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.bus.Publish(ctx, b.channel(ev.Type), payload); err != nil {
		return err
	}
	return b.bus.StreamAppend(ctx, b.stream, payload)
}

// Name returns the sender identifier.
func (b *BusSender) Name() string {
	return "event_bus"
}
