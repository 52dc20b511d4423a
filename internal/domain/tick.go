package domain

import "time"

// Level is one price level of a book side.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Tick is the canonical market data update produced by the codec.
type Tick struct {
	Instrument   string    `json:"instrument"`
	ExchangeTime time.Time `json:"exchange_time"`
	Last         float64   `json:"last"`
	Bids         []Level   `json:"bids,omitempty"`
	Asks         []Level   `json:"asks,omitempty"`
	Seq          uint64    `json:"seq"`
}

// BestBid returns the top bid or zero when the side is empty.
func (t Tick) BestBid() Level {
	if len(t.Bids) == 0 {
		return Level{}
	}
	return t.Bids[0]
}

// BestAsk returns the top ask or zero when the side is empty.
func (t Tick) BestAsk() Level {
	if len(t.Asks) == 0 {
		return Level{}
	}
	return t.Asks[0]
}

// Mid returns the bid/ask midpoint, falling back to Last when either side
// is missing.
func (t Tick) Mid() float64 {
	bid, ask := t.BestBid(), t.BestAsk()
	if bid.Price > 0 && ask.Price > 0 {
		return (bid.Price + ask.Price) / 2
	}
	return t.Last
}

// MarkPrice is the price used to value positions: last trade, else mid.
func (t Tick) MarkPrice() float64 {
	if t.Last > 0 {
		return t.Last
	}
	return t.Mid()
}
