package strategy

import (
	"math"
	"time"
)

// PricePoint records a single price observation at a point in time.
type PricePoint struct {
	Price float64
	Time  time.Time
}

// PriceTracker maintains a sliding window of recent prices for each
// instrument. Windows are measured in exchange time so replays behave the
// same as live runs. Callers synchronise access.
type PriceTracker struct {
	history    map[string][]PricePoint
	windowSize time.Duration
	maxPoints  int
}

// NewPriceTracker creates a PriceTracker. Points older than windowSize
// relative to the newest observation are discarded, as are points beyond
// maxPoints (0 means unbounded).
func NewPriceTracker(windowSize time.Duration, maxPoints int) *PriceTracker {
	return &PriceTracker{
		history:    make(map[string][]PricePoint),
		windowSize: windowSize,
		maxPoints:  maxPoints,
	}
}

// Track records a new price observation and trims the window.
func (pt *PriceTracker) Track(instrument string, price float64, ts time.Time) {
	pts := append(pt.history[instrument], PricePoint{Price: price, Time: ts})

	if pt.windowSize > 0 {
		cutoff := ts.Add(-pt.windowSize)
		i := 0
		for i < len(pts) && pts[i].Time.Before(cutoff) {
			i++
		}
		pts = pts[i:]
	}
	if pt.maxPoints > 0 && len(pts) > pt.maxPoints {
		pts = pts[len(pts)-pt.maxPoints:]
	}
	pt.history[instrument] = pts
}

// Len returns the number of points in the window.
func (pt *PriceTracker) Len(instrument string) int { return len(pt.history[instrument]) }

// Average returns the arithmetic mean of the window, or 0 when empty.
func (pt *PriceTracker) Average(instrument string) float64 {
	pts := pt.history[instrument]
	if len(pts) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pts {
		sum += p.Price
	}
	return sum / float64(len(pts))
}

// Volatility returns the population standard deviation of the window. If
// there are fewer than two points, it returns 0.
func (pt *PriceTracker) Volatility(instrument string) float64 {
	pts := pt.history[instrument]
	if len(pts) < 2 {
		return 0
	}
	mean := pt.Average(instrument)
	var variance float64
	for _, p := range pts {
		d := p.Price - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(pts)))
}
