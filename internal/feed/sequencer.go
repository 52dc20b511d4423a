package feed

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// Sequencer enforces non-decreasing per-instrument sequence numbers across
// connections. A tick below the last delivered sequence number, or an exact
// copy of the last delivered tick, is a replay and is dropped. Updates that
// share a sequence number but differ in content are delivered. Sequence zero
// means the venue does not sequence that instrument and is always delivered.
type Sequencer struct {
	mu     sync.Mutex
	last   map[string]domain.Tick
	logger *slog.Logger

	dropped uint64
	gaps    uint64
}

// NewSequencer returns an empty sequencer.
func NewSequencer(logger *slog.Logger) *Sequencer {
	return &Sequencer{
		last:   make(map[string]domain.Tick),
		logger: logger,
	}
}

// Accept reports whether t should be delivered, recording its sequence
// number when it is.
func (s *Sequencer) Accept(t domain.Tick) bool {
	if t.Seq == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.last[t.Instrument]
	last := prev.Seq
	if seen && (t.Seq < last || sameTick(prev, t)) {
		s.dropped++
		return false
	}
	if seen && t.Seq > last+1 {
		s.gaps++
		s.logger.Warn("sequence gap",
			slog.String("instrument", t.Instrument),
			slog.Uint64("last", last),
			slog.Uint64("seq", t.Seq),
			slog.Uint64("missing", t.Seq-last-1),
		)
	}
	s.last[t.Instrument] = t
	return true
}

func sameTick(a, b domain.Tick) bool {
	return a.Seq == b.Seq && a.Last == b.Last && a.ExchangeTime.Equal(b.ExchangeTime) &&
		slices.Equal(a.Bids, b.Bids) && slices.Equal(a.Asks, b.Asks)
}

// Last returns the last delivered sequence number for instrument.
func (s *Sequencer) Last(instrument string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[instrument].Seq
}

// Counts returns the number of replayed ticks dropped and gaps observed.
func (s *Sequencer) Counts() (dropped, gaps uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped, s.gaps
}
