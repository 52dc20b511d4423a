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

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Upsert inserts the order or overwrites its mutable lifecycle columns. The
// intent columns are written once.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, idempotency_key, strategy_id, instrument, side, order_type,
			intent_quantity, limit_price, stop_price,
			quantity, state, broker_order_id, filled_qty, avg_fill_price, reason,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14, $15,
			$16, $17
		)
		ON CONFLICT (id) DO UPDATE SET
			quantity        = EXCLUDED.quantity,
			state           = EXCLUDED.state,
			broker_order_id = EXCLUDED.broker_order_id,
			filled_qty      = EXCLUDED.filled_qty,
			avg_fill_price  = EXCLUDED.avg_fill_price,
			reason          = EXCLUDED.reason,
			updated_at      = EXCLUDED.updated_at`

	in := o.Intent
	_, err := s.pool.Exec(ctx, query,
		o.ID, in.IdempotencyKey, in.StrategyID, in.Instrument,
		string(in.Side), string(in.Type),
		in.Quantity, in.LimitPrice, in.StopPrice,
		o.Quantity, string(o.State), o.BrokerOrderID,
		o.FilledQty, o.AvgFillPrice, o.Reason,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}
	return nil
}

// orderSelectCols lists the columns selected when reading orders.
const orderSelectCols = `id, idempotency_key, strategy_id, instrument, side, order_type,
	intent_quantity, limit_price, stop_price,
	quantity, state, broker_order_id, filled_qty, avg_fill_price, reason,
	created_at, updated_at`

func scanOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Order, error) {
	var o domain.Order
	var side, orderType, state string

	err := scanner.Scan(
		&o.ID, &o.Intent.IdempotencyKey, &o.Intent.StrategyID, &o.Intent.Instrument,
		&side, &orderType,
		&o.Intent.Quantity, &o.Intent.LimitPrice, &o.Intent.StopPrice,
		&o.Quantity, &state, &o.BrokerOrderID,
		&o.FilledQty, &o.AvgFillPrice, &o.Reason,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Intent.Side = domain.OrderSide(side)
	o.Intent.Type = domain.OrderType(orderType)
	o.State = domain.OrderState(state)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *OrderStore) getOne(ctx context.Context, where string, arg any) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE `+where+` = $1`, arg)
	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, err
	}
	return o, nil
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := s.getOne(ctx, "id", id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, err
}

// GetByIdempotencyKey retrieves the order created for key.
func (s *OrderStore) GetByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	o, err := s.getOne(ctx, "idempotency_key", key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, fmt.Errorf("postgres: get order by key %s: %w", key, err)
	}
	return o, err
}

// ListOpen returns every order that may still receive fills, oldest first.
func (s *OrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE state IN ($1, $2)
		 ORDER BY created_at ASC`,
		string(domain.OrderStateSubmitted), string(domain.OrderStatePartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return orders, nil
}

// ListRecent returns orders newest first with pagination and optional time
// filtering.
func (s *OrderStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := newListQuery(`SELECT `+orderSelectCols+` FROM orders`, "created_at").build(opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent orders: %w", err)
	}
	return orders, nil
}

// ListBefore returns up to limit terminal orders last updated before the
// cutoff, oldest first. Working orders are never returned.
func (s *OrderStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE updated_at < $1 AND state NOT IN ($2, $3, $4)
		 ORDER BY updated_at ASC
		 LIMIT $5`,
		before,
		string(domain.OrderStatePendingRisk),
		string(domain.OrderStateSubmitted),
		string(domain.OrderStatePartiallyFilled),
		limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders before: %w", err)
	}
	return orders, nil
}

// DeleteByIDs removes archived orders.
func (s *OrderStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
