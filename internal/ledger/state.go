package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// stateVersion guards against loading snapshots written by an incompatible
// build.
const stateVersion = 1

// State is the serialized form of a ledger. Positions are sorted by
// instrument so identical ledgers serialize to identical bytes.
type State struct {
	Version        int               `json:"version"`
	InitialCapital float64           `json:"initial_capital"`
	Cash           float64           `json:"cash"`
	Positions      []domain.Position `json:"positions"`
	History        []domain.Fill     `json:"history"`
	Stats          TradeStats        `json:"stats"`
}

// Serialize returns the ledger state.
func (l *Ledger) Serialize() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := State{
		Version:        stateVersion,
		InitialCapital: l.initialCapital,
		Cash:           l.cash,
		Positions:      make([]domain.Position, 0, len(l.positions)),
		History:        make([]domain.Fill, len(l.history)),
		Stats:          l.trades,
	}
	for _, p := range l.positions {
		st.Positions = append(st.Positions, *p)
	}
	sort.Slice(st.Positions, func(i, j int) bool {
		return st.Positions[i].Instrument < st.Positions[j].Instrument
	})
	copy(st.History, l.history)
	return st
}

// Load replaces the ledger contents with st. Applied fill ids are rebuilt
// from the history so replayed fills stay idempotent after a restart.
func (l *Ledger) Load(st State) error {
	if st.Version != stateVersion {
		return fmt.Errorf("ledger: load: unsupported state version %d", st.Version)
	}

	positions := make(map[string]*domain.Position, len(st.Positions))
	for _, p := range st.Positions {
		if p.Instrument == "" {
			return errors.New("ledger: load: position without instrument")
		}
		if p.Quantity == 0 {
			p.AvgEntryPrice = 0
		}
		cp := p
		positions[p.Instrument] = &cp
	}
	applied := make(map[string]struct{}, len(st.History))
	for _, f := range st.History {
		applied[f.ID] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialCapital = st.InitialCapital
	l.cash = st.Cash
	l.positions = positions
	l.applied = applied
	l.history = append([]domain.Fill(nil), st.History...)
	l.trades = st.Stats
	return nil
}

// MarshalState encodes the ledger as JSON.
func (l *Ledger) MarshalState() ([]byte, error) {
	return json.Marshal(l.Serialize())
}

// UnmarshalState decodes JSON produced by MarshalState into the ledger.
func (l *Ledger) UnmarshalState(data []byte) error {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("ledger: decode state: %w", err)
	}
	return l.Load(st)
}

// Persist saves a snapshot to store.
func (l *Ledger) Persist(ctx context.Context, store domain.LedgerStore, now time.Time) error {
	data, err := l.MarshalState()
	if err != nil {
		return fmt.Errorf("ledger: persist: %w", err)
	}
	if err := store.SaveSnapshot(ctx, now, data); err != nil {
		return fmt.Errorf("ledger: persist: %w", err)
	}
	return nil
}

// Restore loads the most recent snapshot from store. A store with no
// snapshot leaves the ledger untouched and returns nil.
func (l *Ledger) Restore(ctx context.Context, store domain.LedgerStore) error {
	data, err := store.LatestSnapshot(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: restore: %w", err)
	}
	return l.UnmarshalState(data)
}
