package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// OrderArchiveStore is the part of the order store the archiver needs.
type OrderArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// FillArchiveStore is the part of the fill store the archiver needs.
type FillArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Fill, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

const defaultArchiveBatch = 1000

// ArchiveImpl implements domain.Archiver. Rows older than the cutoff are
// written to S3 as JSONL in batches and deleted from Postgres only after
// their batch uploaded.
type ArchiveImpl struct {
	writer domain.BlobWriter
	orders OrderArchiveStore
	fills  FillArchiveStore
	audit  domain.AuditStore
	batch  int
	now    func() time.Time
}

// NewArchiver creates a new ArchiveImpl. audit may be nil.
func NewArchiver(writer domain.BlobWriter, orders OrderArchiveStore, fills FillArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		orders: orders,
		fills:  fills,
		audit:  audit,
		batch:  defaultArchiveBatch,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveOrders moves terminal orders last updated before the cutoff to
// archive/orders/. It returns how many orders were archived.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	return archiveBatches(ctx, a, "orders", before,
		func(ctx context.Context) ([]domain.Order, error) { return a.orders.ListBefore(ctx, before, a.batch) },
		func(o domain.Order) string { return o.ID },
		a.orders.DeleteByIDs,
	)
}

// ArchiveFills moves fills executed before the cutoff to archive/fills/.
func (a *ArchiveImpl) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	return archiveBatches(ctx, a, "fills", before,
		func(ctx context.Context) ([]domain.Fill, error) { return a.fills.ListBefore(ctx, before, a.batch) },
		func(f domain.Fill) string { return f.ID },
		a.fills.DeleteByIDs,
	)
}

func archiveBatches[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind string,
	before time.Time,
	list func(context.Context) ([]T, error),
	id func(T) string,
	del func(context.Context, []string) (int64, error),
) (int64, error) {
	var total int64
	runAt := a.now()
	for part := 1; ; part++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		records, err := list(ctx)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
		}
		if len(records) == 0 {
			break
		}

		buf, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
		}
		path := archivePath(kind, runAt, part)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
		}

		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = id(r)
		}
		deleted, err := del(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s delete: %w", kind, err)
		}
		total += int64(len(records))

		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
				"path":    path,
				"count":   len(records),
				"deleted": deleted,
				"before":  before.Format(time.RFC3339),
			}); err != nil {
				return total, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
			}
		}
		if len(records) < a.batch {
			break
		}
	}
	return total, nil
}

// archivePath builds the key for one archive batch.
//
//	archive/orders/2026-01-05/T031500Z-0001.jsonl
func archivePath(kind string, at time.Time, part int) string {
	at = at.UTC()
	return fmt.Sprintf("archive/%s/%s/T%sZ-%04d.jsonl", kind, at.Format(time.DateOnly), at.Format("150405"), part)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
