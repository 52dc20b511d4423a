// Package retry provides the bounded exponential backoff shared by the feed,
// the live broker stream and the order router.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays. Jitter is a fraction in
// [0, 1] of each delay that is randomised; zero gives fixed delays.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Next returns the delay before retry number attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		j := math.Min(b.Jitter, 1)
		d = d*(1-j) + d*j*rand.Float64()
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the wall-clock Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep returns immediately unless ctx is done. Used by the backtest and
// tests where time is simulated.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
