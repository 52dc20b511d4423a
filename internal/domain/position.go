package domain

import "math"

// Position is the ledger's record for one instrument. AvgEntryPrice is zero
// whenever Quantity is zero.
type Position struct {
	Instrument    string  `json:"instrument"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	LastMark      float64 `json:"last_mark"`
}

// Flat reports whether the position holds no quantity.
func (p Position) Flat() bool {
	return p.Quantity == 0
}

// Exposure is |quantity| x last mark.
func (p Position) Exposure() float64 {
	return math.Abs(p.Quantity) * p.LastMark
}

// UnrealizedPnL values the open quantity against the last mark.
func (p Position) UnrealizedPnL() float64 {
	if p.Quantity == 0 || p.LastMark == 0 {
		return 0
	}
	return (p.LastMark - p.AvgEntryPrice) * p.Quantity
}
