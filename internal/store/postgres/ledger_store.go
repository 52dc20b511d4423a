package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. Snapshots are
// append-only; the newest row wins on restore.
type LedgerStore struct {
	pool *pgxpool.Pool
	keep int
}

// NewLedgerStore creates a new LedgerStore backed by the given connection
// pool. It keeps the 100 newest snapshots.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool, keep: 100}
}

// SaveSnapshot stores serialized ledger state and prunes old snapshots.
func (s *LedgerStore) SaveSnapshot(ctx context.Context, takenAt time.Time, state []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_snapshots (taken_at, state) VALUES ($1, $2)`,
		takenAt, state,
	); err != nil {
		return fmt.Errorf("postgres: save ledger snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM ledger_snapshots WHERE id NOT IN (
			SELECT id FROM ledger_snapshots ORDER BY taken_at DESC, id DESC LIMIT $1
		)`, s.keep,
	); err != nil {
		return fmt.Errorf("postgres: prune ledger snapshots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest stored state, or domain.ErrNotFound.
func (s *LedgerStore) LatestSnapshot(ctx context.Context) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM ledger_snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: latest ledger snapshot: %w", err)
	}
	return state, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
