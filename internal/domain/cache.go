package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest marks across processes.
type PriceCache interface {
	SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, instrument string) (float64, time.Time, error)
	GetPrices(ctx context.Context, instruments []string) (map[string]float64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub and a durable stream for engine events.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
