// Package ledger is the authoritative record of positions, cash and realized
// PnL. It is mutated only by fills and marks; every read reflects the last
// completed mutation.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// View is a consistent read of the whole ledger, used by the risk gate and
// strategies.
type View struct {
	Positions      map[string]domain.Position
	Cash           float64
	InitialCapital float64
	RealizedPnL    float64
}

// Position returns the position for instrument, zero valued when absent.
func (v View) Position(instrument string) domain.Position {
	if p, ok := v.Positions[instrument]; ok {
		return p
	}
	return domain.Position{Instrument: instrument}
}

// Equity is cash plus the marked value of every position. Positions are
// summed in instrument order so replays agree to the last bit.
func (v View) Equity() float64 {
	eq := v.Cash
	for _, k := range v.instruments() {
		p := v.Positions[k]
		eq += p.Quantity * p.LastMark
	}
	return eq
}

// Exposure is the sum of |quantity| x last mark over all instruments.
func (v View) Exposure() float64 {
	var total float64
	for _, k := range v.instruments() {
		total += v.Positions[k].Exposure()
	}
	return total
}

func (v View) instruments() []string {
	keys := make([]string, 0, len(v.Positions))
	for k := range v.Positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ledger holds positions keyed by instrument.
type Ledger struct {
	mu             sync.RWMutex
	initialCapital float64
	cash           float64
	positions      map[string]*domain.Position
	applied        map[string]struct{}
	history        []domain.Fill
	trades         TradeStats
}

// New returns an empty ledger funded with initialCapital.
func New(initialCapital float64) *Ledger {
	return &Ledger{
		initialCapital: initialCapital,
		cash:           initialCapital,
		positions:      make(map[string]*domain.Position),
		applied:        make(map[string]struct{}),
	}
}

// ApplyFill books a fill. Re-applying a known fill id is a no-op that
// returns the current position.
func (l *Ledger) ApplyFill(f domain.Fill) (domain.Position, error) {
	if f.ID == "" {
		return domain.Position{}, fmt.Errorf("ledger: apply fill: %w: missing id", domain.ErrInvalidFill)
	}
	if f.Instrument == "" || !f.Side.Valid() {
		return domain.Position{}, fmt.Errorf("ledger: apply fill %s: %w", f.ID, domain.ErrInvalidFill)
	}
	if !(f.Quantity > 0) || !(f.Price > 0) || math.IsInf(f.Quantity, 0) || math.IsInf(f.Price, 0) {
		return domain.Position{}, fmt.Errorf("ledger: apply fill %s: %w: qty=%v price=%v",
			f.ID, domain.ErrInvalidFill, f.Quantity, f.Price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.position(f.Instrument)
	if _, seen := l.applied[f.ID]; seen {
		return *pos, nil
	}

	realized := applyToPosition(pos, f.SignedQty(), f.Price)
	pos.LastMark = f.Price
	l.cash -= f.SignedQty() * f.Price

	l.applied[f.ID] = struct{}{}
	l.history = append(l.history, f)
	if realized != nil {
		l.trades.record(*realized)
	}
	return *pos, nil
}

// applyToPosition updates quantity, average entry and realized PnL using
// average-cost accounting. It returns the PnL realized by this fill, or nil
// when the fill only added to the position.
func applyToPosition(pos *domain.Position, signedQty, price float64) *float64 {
	oldQty := pos.Quantity
	newQty := oldQty + signedQty

	switch {
	case oldQty == 0 || sameSign(oldQty, signedQty):
		// Opening or adding: weighted average entry.
		pos.AvgEntryPrice = (math.Abs(oldQty)*pos.AvgEntryPrice + math.Abs(signedQty)*price) / math.Abs(newQty)
		pos.Quantity = newQty
		return nil

	default:
		closed := math.Min(math.Abs(oldQty), math.Abs(signedQty))
		direction := 1.0
		if oldQty < 0 {
			direction = -1
		}
		pnl := (price - pos.AvgEntryPrice) * closed * direction
		pos.RealizedPnL += pnl
		pos.Quantity = newQty

		switch {
		case nearZero(newQty):
			pos.Quantity = 0
			pos.AvgEntryPrice = 0
		case !sameSign(newQty, oldQty):
			// Flipped through zero: the remainder opens at the fill price.
			pos.AvgEntryPrice = price
		}
		return &pnl
	}
}

// Mark records a new mark price without touching quantity.
func (l *Ledger) Mark(instrument string, price float64) {
	if !(price > 0) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position(instrument).LastMark = price
}

// Snapshot returns the current position for instrument.
func (l *Ledger) Snapshot(instrument string) domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.positions[instrument]; ok {
		return *p
	}
	return domain.Position{Instrument: instrument}
}

// View returns a consistent copy of the whole ledger.
func (l *Ledger) View() View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.viewLocked()
}

func (l *Ledger) viewLocked() View {
	v := View{
		Positions:      make(map[string]domain.Position, len(l.positions)),
		Cash:           l.cash,
		InitialCapital: l.initialCapital,
	}
	for k, p := range l.positions {
		v.Positions[k] = *p
	}
	for _, k := range v.instruments() {
		v.RealizedPnL += v.Positions[k].RealizedPnL
	}
	return v
}

// TotalExposure is the sum of |quantity| x last mark over all instruments.
func (l *Ledger) TotalExposure() float64 {
	return l.View().Exposure()
}

// Equity is cash plus marked positions.
func (l *Ledger) Equity() float64 {
	return l.View().Equity()
}

// Applied reports whether fill id has been booked.
func (l *Ledger) Applied(fillID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.applied[fillID]
	return ok
}

// History returns applied fills in application order.
func (l *Ledger) History() []domain.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Fill, len(l.history))
	copy(out, l.history)
	return out
}

// Stats returns the closed-trade statistics.
func (l *Ledger) Stats() TradeStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trades
}

func (l *Ledger) position(instrument string) *domain.Position {
	p, ok := l.positions[instrument]
	if !ok {
		p = &domain.Position{Instrument: instrument}
		l.positions[instrument] = p
	}
	return p
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func nearZero(x float64) bool {
	return math.Abs(x) < 1e-9
}
