package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders. Upsert is keyed by Order.ID.
type OrderStore interface {
	Upsert(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Order, error)
	ListOpen(ctx context.Context) ([]Order, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Order, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Order, error)
}

// FillStore persists fills. Insert returns ErrAlreadyExists for a known id.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListByOrder(ctx context.Context, orderID string) ([]Fill, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Fill, error)
}

// LedgerStore persists serialized ledger state.
type LedgerStore interface {
	SaveSnapshot(ctx context.Context, takenAt time.Time, state []byte) error
	LatestSnapshot(ctx context.Context) ([]byte, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log. List filters by event name
// prefix when prefix is non-empty.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, prefix string, opts ListOpts) ([]AuditEntry, error)
}
