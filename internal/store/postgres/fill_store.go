package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillSelectCols = `id, order_id, broker_order_id, instrument, side, quantity, price, filled_at`

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		if err := rows.Scan(
			&f.ID, &f.OrderID, &f.BrokerOrderID, &f.Instrument,
			&side, &f.Quantity, &f.Price, &f.Time,
		); err != nil {
			return nil, err
		}
		f.Side = domain.OrderSide(side)
		f.Time = f.Time.UTC()
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Insert records a fill. A fill id that is already stored returns
// domain.ErrAlreadyExists and leaves the row untouched.
func (s *FillStore) Insert(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (
			id, order_id, broker_order_id, instrument, side, quantity, price, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		f.ID, f.OrderID, f.BrokerOrderID, f.Instrument,
		string(f.Side), f.Quantity, f.Price, f.Time,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", f.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// ListByOrder returns the fills of one order in execution order.
func (s *FillStore) ListByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE order_id = $1 ORDER BY filled_at ASC, id ASC`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for order %s: %w", orderID, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills: %w", err)
	}
	return fills, nil
}

// ListBefore returns up to limit fills executed before the cutoff, oldest
// first.
func (s *FillStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills
		 WHERE filled_at < $1
		 ORDER BY filled_at ASC
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before: %w", err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills before: %w", err)
	}
	return fills, nil
}

// DeleteByIDs removes archived fills in one batch round trip.
func (s *FillStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(`DELETE FROM fills WHERE id = $1`, id)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var n int64
	for range ids {
		tag, err := br.Exec()
		if err != nil {
			return n, fmt.Errorf("postgres: delete fills: %w", err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

var _ domain.FillStore = (*FillStore)(nil)
