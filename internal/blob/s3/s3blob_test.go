package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradebot/internal/codec"
	"github.com/alanyoungcy/tradebot/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newMemWriter() *memWriter { return &memWriter{objects: make(map[string][]byte)} }

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = b
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

func (w *memWriter) keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.objects))
	for k := range w.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type memOrders struct {
	rows    []domain.Order
	deleted []string
}

func (m *memOrders) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range m.rows {
		if o.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memOrders) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	kept := m.rows[:0]
	for _, o := range m.rows {
		if !gone[o.ID] {
			kept = append(kept, o)
		}
	}
	m.rows = kept
	m.deleted = append(m.deleted, ids...)
	return int64(len(ids)), nil
}

type memFills struct{}

func (memFills) ListBefore(context.Context, time.Time, int) ([]domain.Fill, error) { return nil, nil }
func (memFills) DeleteByIDs(context.Context, []string) (int64, error)            { return 0, nil }

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveOrdersInBatches(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orders := &memOrders{}
	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		orders.rows = append(orders.rows, domain.Order{ID: id, State: domain.OrderStateFilled, UpdatedAt: old})
	}
	orders.rows = append(orders.rows, domain.Order{ID: "fresh", State: domain.OrderStateFilled, UpdatedAt: old.AddDate(0, 2, 0)})

	w := newMemWriter()
	audit := &memAudit{}
	a := NewArchiver(w, orders, memFills{}, audit)
	a.batch = 2
	a.now = func() time.Time { return time.Date(2026, 2, 1, 3, 15, 0, 0, time.UTC) }

	n, err := a.ArchiveOrders(context.Background(), old.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, []string{"o1", "o2", "o3", "o4", "o5"}, orders.deleted)
	require.Len(t, orders.rows, 1)
	assert.Equal(t, "fresh", orders.rows[0].ID)

	assert.Equal(t, []string{
		"archive/orders/2026-02-01/T031500Z-0001.jsonl",
		"archive/orders/2026-02-01/T031500Z-0002.jsonl",
		"archive/orders/2026-02-01/T031500Z-0003.jsonl",
	}, w.keys())
	lines := strings.Split(strings.TrimSpace(string(w.objects["archive/orders/2026-02-01/T031500Z-0001.jsonl"])), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"o1"`)
	assert.Equal(t, []string{"archive.orders", "archive.orders", "archive.orders"}, audit.events)

	n, err = a.ArchiveFills(context.Background(), old)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveKeepsRowsWhenUploadFails(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orders := &memOrders{rows: []domain.Order{{ID: "o1", UpdatedAt: old}}}
	w := newMemWriter()
	w.fail = errors.New("bucket gone")

	_, err := NewArchiver(w, orders, memFills{}, nil).ArchiveOrders(context.Background(), old.Add(time.Hour))
	require.Error(t, err)
	assert.Len(t, orders.rows, 1)
	assert.Empty(t, orders.deleted)
}

func TestTickArchiverRoundTrip(t *testing.T) {
	w := newMemWriter()
	a := NewTickArchiver(w, "ticks/", discard())
	a.now = func() time.Time { return time.Date(2026, 1, 5, 14, 30, 0, 5, time.UTC) }

	require.NoError(t, a.Flush(context.Background()))
	assert.Empty(t, w.keys())

	ts := time.Date(2026, 1, 5, 14, 29, 59, 0, time.UTC)
	a.Add(domain.Tick{Instrument: "AAPL", ExchangeTime: ts, Last: 190.5, Seq: 1})
	a.Add(domain.Tick{Instrument: "MSFT", ExchangeTime: ts, Last: 410, Seq: 2})
	require.NoError(t, a.Flush(context.Background()))

	keys := w.keys()
	require.Equal(t, []string{"ticks/2026/01/05/143000.000000005-000001.bin"}, keys)

	fr := codec.NewFrameReader(bytes.NewReader(w.objects[keys[0]]))
	var got []string
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		tk, err := codec.Decode(frame)
		require.NoError(t, err)
		got = append(got, tk.Instrument)
	}
	assert.Equal(t, []string{"AAPL", "MSFT"}, got)

	flushed, pending := a.Stats()
	assert.Equal(t, 2, flushed)
	assert.Zero(t, pending)
}

func TestTickArchiverRequeuesOnFailure(t *testing.T) {
	w := newMemWriter()
	w.fail = errors.New("timeout")
	a := NewTickArchiver(w, "ticks/", discard())

	a.Add(domain.Tick{Instrument: "AAPL", Last: 1})
	require.Error(t, a.Flush(context.Background()))
	a.Add(domain.Tick{Instrument: "AAPL", Last: 2})

	_, pending := a.Stats()
	assert.Equal(t, 2, pending)

	w.fail = nil
	require.NoError(t, a.Flush(context.Background()))
	flushed, pending := a.Stats()
	assert.Equal(t, 2, flushed)
	assert.Zero(t, pending)
}

func TestExportLedger(t *testing.T) {
	w := newMemWriter()
	path, err := ExportLedger(context.Background(), w, []byte(`{"cash":1}`), time.Date(2026, 1, 5, 21, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "ledger/2026-01-05/T210000Z.json", path)
	assert.JSONEq(t, `{"cash":1}`, string(w.objects[path]))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example", normaliseEndpoint("https://s3.example", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
}
