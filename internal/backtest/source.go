package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/alanyoungcy/tradebot/internal/codec"
	"github.com/alanyoungcy/tradebot/internal/domain"
)

// TickSource yields historical ticks in replay order. Next returns io.EOF
// when the source is exhausted.
type TickSource interface {
	Next(ctx context.Context) (domain.Tick, error)
}

// SliceSource replays an in-memory tick slice.
type SliceSource struct {
	ticks []domain.Tick
	pos   int
}

// NewSliceSource orders ticks by exchange time, keeping the given order for
// equal timestamps.
func NewSliceSource(ticks []domain.Tick) *SliceSource {
	cp := make([]domain.Tick, len(ticks))
	copy(cp, ticks)
	sort.SliceStable(cp, func(i, j int) bool {
		return cp[i].ExchangeTime.Before(cp[j].ExchangeTime)
	})
	return &SliceSource{ticks: cp}
}

func (s *SliceSource) Next(ctx context.Context) (domain.Tick, error) {
	if err := ctx.Err(); err != nil {
		return domain.Tick{}, err
	}
	if s.pos >= len(s.ticks) {
		return domain.Tick{}, io.EOF
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, nil
}

// Len returns the total number of ticks.
func (s *SliceSource) Len() int { return len(s.ticks) }

// WindowSource passes through ticks with start <= ExchangeTime < end. A
// zero bound is open.
type WindowSource struct {
	src        TickSource
	start, end time.Time
}

// NewWindowSource filters src to [start, end).
func NewWindowSource(src TickSource, start, end time.Time) *WindowSource {
	return &WindowSource{src: src, start: start, end: end}
}

func (w *WindowSource) Next(ctx context.Context) (domain.Tick, error) {
	for {
		t, err := w.src.Next(ctx)
		if err != nil {
			return t, err
		}
		if !w.start.IsZero() && t.ExchangeTime.Before(w.start) {
			continue
		}
		if !w.end.IsZero() && !t.ExchangeTime.Before(w.end) {
			return domain.Tick{}, io.EOF
		}
		return t, nil
	}
}

// LoadArchive reads every tick archive object under prefix, in key order,
// and returns them merged into a single time-ordered source. Archives are
// length-delimited tick frames as written by the tick archiver. Frames that
// fail to decode are dropped and counted, as the live feed does.
func LoadArchive(ctx context.Context, reader domain.BlobReader, prefix string, logger *slog.Logger) (*SliceSource, error) {
	infos, err := reader.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("backtest: load archive: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })

	var ticks []domain.Tick
	dropped := 0
	for _, info := range infos {
		n, bad, err := readArchive(ctx, reader, info.Path, &ticks)
		if err != nil {
			return nil, fmt.Errorf("backtest: load archive: %w", err)
		}
		dropped += bad
		logger.DebugContext(ctx, "archive object loaded",
			slog.String("path", info.Path),
			slog.Int("ticks", n),
			slog.Int("dropped", bad),
		)
	}
	logger.InfoContext(ctx, "tick archive loaded",
		slog.String("prefix", prefix),
		slog.Int("objects", len(infos)),
		slog.Int("ticks", len(ticks)),
		slog.Int("dropped", dropped),
	)
	return NewSliceSource(ticks), nil
}

func readArchive(ctx context.Context, reader domain.BlobReader, path string, out *[]domain.Tick) (n, bad int, err error) {
	rc, err := reader.Get(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	defer rc.Close()
	return readFrames(rc, path, out)
}

// LoadFile reads a local length-delimited frame file, the same layout as
// one archive object.
func LoadFile(path string, logger *slog.Logger) (*SliceSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backtest: load file: %w", err)
	}
	defer f.Close()

	var ticks []domain.Tick
	n, bad, err := readFrames(f, path, &ticks)
	if err != nil {
		return nil, fmt.Errorf("backtest: load file: %w", err)
	}
	logger.Info("tick file loaded",
		slog.String("path", path),
		slog.Int("ticks", n),
		slog.Int("dropped", bad),
	)
	return NewSliceSource(ticks), nil
}

func readFrames(r io.Reader, name string, out *[]domain.Tick) (n, bad int, err error) {
	fr := codec.NewFrameReader(r)
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return n, bad, nil
		}
		if err != nil {
			return n, bad, fmt.Errorf("%s: %w", name, err)
		}
		t, err := codec.Decode(frame)
		if err != nil {
			bad++
			continue
		}
		*out = append(*out, t)
		n++
	}
}
