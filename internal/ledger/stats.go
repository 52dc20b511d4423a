package ledger

// TradeStats summarises realized results. A "trade" is any fill that
// reduces an existing position.
type TradeStats struct {
	Trades        int     `json:"trades"`
	Wins          int     `json:"wins"`
	BestTrade     float64 `json:"best_trade"`
	WorstTrade    float64 `json:"worst_trade"`
	TotalRealized float64 `json:"total_realized"`
}

func (s *TradeStats) record(pnl float64) {
	if s.Trades == 0 || pnl > s.BestTrade {
		s.BestTrade = pnl
	}
	if s.Trades == 0 || pnl < s.WorstTrade {
		s.WorstTrade = pnl
	}
	s.Trades++
	if pnl > 0 {
		s.Wins++
	}
	s.TotalRealized += pnl
}

// WinRate returns wins / trades, or 0 with no trades.
func (s TradeStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}
