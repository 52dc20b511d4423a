package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradebot/internal/codec"
	"github.com/alanyoungcy/tradebot/internal/domain"
)

// flushBytes triggers an early flush once the buffer grows past it.
const flushBytes = 8 << 20

// TickArchiver buffers received ticks as length-delimited frames and uploads
// them in segments under prefix. Segment keys sort in time order, which is
// the order backtest.LoadArchive replays them in.
type TickArchiver struct {
	writer domain.BlobWriter
	prefix string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buf     []byte
	frames  int
	seq     int
	flushed int
	early   chan struct{}
}

// NewTickArchiver creates an archiver writing under prefix (e.g. "ticks/").
func NewTickArchiver(writer domain.BlobWriter, prefix string, logger *slog.Logger) *TickArchiver {
	return &TickArchiver{
		writer: writer,
		prefix: prefix,
		logger: logger.With(slog.String("component", "tick_archiver")),
		now:    func() time.Time { return time.Now().UTC() },
		early:  make(chan struct{}, 1),
	}
}

// Add appends t to the current segment. It never blocks on S3.
func (a *TickArchiver) Add(t domain.Tick) {
	frame := codec.Encode(t, true)

	a.mu.Lock()
	a.buf = codec.AppendDelimited(a.buf, frame)
	a.frames++
	full := len(a.buf) >= flushBytes
	a.mu.Unlock()

	if full {
		select {
		case a.early <- struct{}{}:
		default:
		}
	}
}

// Flush uploads the buffered segment, if any. On failure the frames are put
// back in front of anything added meanwhile.
func (a *TickArchiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.frames == 0 {
		a.mu.Unlock()
		return nil
	}
	data, frames := a.buf, a.frames
	a.buf, a.frames = nil, 0
	a.seq++
	path := segmentPath(a.prefix, a.now(), a.seq)
	a.mu.Unlock()

	var err error
	if int64(len(data)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(data), "application/octet-stream")
	}
	if err != nil {
		a.mu.Lock()
		a.buf = append(data, a.buf...)
		a.frames += frames
		a.mu.Unlock()
		return fmt.Errorf("s3blob: flush ticks: %w", err)
	}

	a.mu.Lock()
	a.flushed += frames
	a.mu.Unlock()
	a.logger.Debug("tick segment uploaded", slog.String("path", path), slog.Int("frames", frames))
	return nil
}

// Run flushes every interval until ctx is done, then makes a final flush
// bounded by a short timeout.
func (a *TickArchiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.Flush(fctx); err != nil {
				a.logger.Error("final tick flush failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
		case <-a.early:
		}
		if err := a.Flush(ctx); err != nil {
			a.logger.Warn("tick flush failed, will retry", slog.String("error", err.Error()))
		}
	}
}

// Stats returns the number of frames uploaded and still buffered.
func (a *TickArchiver) Stats() (flushed, pending int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushed, a.frames
}

// segmentPath builds a sortable segment key:
//
//	ticks/2026/01/05/143000.123456789-000001.bin
func segmentPath(prefix string, at time.Time, seq int) string {
	return fmt.Sprintf("%s%s/%s-%06d.bin", prefix, at.Format("2006/01/02"), at.Format("150405.000000000"), seq)
}
