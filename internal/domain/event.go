package domain

import (
	"context"
	"time"
)

// EventType names a notification the core emits.
type EventType string

const (
	EventOrderFilled            EventType = "order_filled"
	EventOrderCancelled         EventType = "order_cancelled"
	EventRiskRejection          EventType = "risk_rejection"
	EventBrokerRejection        EventType = "broker_rejection"
	EventConnectionLost         EventType = "connection_lost"
	EventReconciliationMismatch EventType = "reconciliation_mismatch"
	EventSessionSummary         EventType = "session_summary"
)

// Event is a discrete notification. Formatting and delivery belong to the
// sink.
type Event struct {
	Type       EventType `json:"type"`
	Instrument string    `json:"instrument,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}

// EventSink receives events from the core. Emit must not block on I/O.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}
