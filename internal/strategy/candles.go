package strategy

import (
	"math"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// Candle is an OHLC bar covering [Start, Start+timeframe).
type Candle struct {
	Instrument string
	Start      time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Ticks      int
}

// Bullish reports a close above the open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports a close below the open.
func (c Candle) Bearish() bool { return c.Close < c.Open }

// BodyRatio is |close-open| / (high-low), or 0 for a flat bar.
func (c Candle) BodyRatio() float64 {
	rng := c.High - c.Low
	if rng <= 0 {
		return 0
	}
	return math.Abs(c.Close-c.Open) / rng
}

// CandleAggregator buckets ticks into fixed timeframe candles per
// instrument, aligned to the timeframe boundary in exchange time.
type CandleAggregator struct {
	timeframe time.Duration
	current   map[string]*Candle
}

// NewCandleAggregator creates an aggregator for the given timeframe.
func NewCandleAggregator(timeframe time.Duration) *CandleAggregator {
	if timeframe <= 0 {
		timeframe = time.Minute
	}
	return &CandleAggregator{timeframe: timeframe, current: make(map[string]*Candle)}
}

// Add folds a tick into the open candle. When the tick belongs to a later
// bucket the finished candle is returned with ok set.
func (a *CandleAggregator) Add(tick domain.Tick) (closed Candle, ok bool) {
	price := tick.MarkPrice()
	if !(price > 0) {
		return Candle{}, false
	}
	start := tick.ExchangeTime.Truncate(a.timeframe)

	cur, exists := a.current[tick.Instrument]
	if exists && !start.After(cur.Start) {
		cur.High = math.Max(cur.High, price)
		cur.Low = math.Min(cur.Low, price)
		cur.Close = price
		cur.Ticks++
		return Candle{}, false
	}

	a.current[tick.Instrument] = &Candle{
		Instrument: tick.Instrument,
		Start:      start,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Ticks:      1,
	}
	if !exists {
		return Candle{}, false
	}
	return *cur, true
}

// HeikinAshi converts a stream of candles into Heikin-Ashi candles per
// instrument.
type HeikinAshi struct {
	prev map[string]Candle
}

// NewHeikinAshi creates an empty converter.
func NewHeikinAshi() *HeikinAshi {
	return &HeikinAshi{prev: make(map[string]Candle)}
}

// Next converts c, using the previous Heikin-Ashi candle of the same
// instrument for the open.
func (h *HeikinAshi) Next(c Candle) Candle {
	ha := c
	ha.Close = (c.Open + c.High + c.Low + c.Close) / 4
	if prev, ok := h.prev[c.Instrument]; ok {
		ha.Open = (prev.Open + prev.Close) / 2
	} else {
		ha.Open = (c.Open + c.Close) / 2
	}
	ha.High = math.Max(c.High, math.Max(ha.Open, ha.Close))
	ha.Low = math.Min(c.Low, math.Min(ha.Open, ha.Close))
	h.prev[c.Instrument] = ha
	return ha
}
