// Package backtest replays recorded ticks through the same strategy engine,
// risk gate and order router used live, against a simulated broker and a
// logical clock. Identical inputs produce identical reports.
package backtest

import (
	"context"
	"sync"
	"time"
)

// Clock is the source of time for components that must behave the same
// live and in replay.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock in UTC.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }

// SimClock is a logical clock advanced by the replay to each tick's
// exchange time. It never moves backwards.
type SimClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewSimClock starts the clock at start.
func NewSimClock(start time.Time) *SimClock {
	return &SimClock{now: start.UTC()}
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock to t if t is later than the current time.
func (c *SimClock) Advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
}

// Sleep advances logical time by d without blocking. It satisfies
// retry.Sleeper.
func (c *SimClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		c.mu.Lock()
		c.now = c.now.Add(d)
		c.mu.Unlock()
	}
	return nil
}
