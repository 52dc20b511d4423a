// Package feed maintains the market data WebSocket, turning binary frames
// into ordered, de-duplicated ticks delivered one instrument lane at a time.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradebot/internal/codec"
	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/retry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Config configures the feed connection.
type Config struct {
	URL          string
	SessionToken string
	Instruments  []string

	// MaxReconnects is the number of consecutive failed connections
	// tolerated before the feed gives up. Zero retries forever.
	MaxReconnects int
	Backoff       retry.Backoff

	// MaxDecodeErrors consecutive undecodable frames tear the connection
	// down. Zero never tears down.
	MaxDecodeErrors int
	BufferSize      int
}

// Stats are cumulative feed counters.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Delivered    uint64 `json:"delivered"`
	DecodeErrors uint64 `json:"decode_errors"`
	Replayed     uint64 `json:"replayed"`
	Gaps         uint64 `json:"gaps"`
	Reconnects   uint64 `json:"reconnects"`
}

type subscribeMessage struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// Feed is the market data client.
type Feed struct {
	cfg        Config
	logger     *slog.Logger
	events     domain.EventSink
	sleep      retry.Sleeper
	sequencer  *Sequencer
	dispatcher *Dispatcher

	frames       atomic.Uint64
	delivered    atomic.Uint64
	decodeErrors atomic.Uint64
	reconnects   atomic.Uint64
}

// New creates a feed delivering ticks to handler.
func New(cfg Config, handler TickHandler, logger *slog.Logger) *Feed {
	logger = logger.With(slog.String("component", "market_feed"))
	return &Feed{
		cfg:        cfg,
		logger:     logger,
		events:     domain.NopSink{},
		sleep:      retry.Sleep,
		sequencer:  NewSequencer(logger),
		dispatcher: NewDispatcher(handler, cfg.BufferSize, logger),
	}
}

// SetEventSink routes connection_lost events.
func (f *Feed) SetEventSink(sink domain.EventSink) {
	if sink != nil {
		f.events = sink
	}
}

// SetSleeper replaces the reconnect sleeper.
func (f *Feed) SetSleeper(s retry.Sleeper) {
	if s != nil {
		f.sleep = s
	}
}

// Stats returns a snapshot of the feed counters.
func (f *Feed) Stats() Stats {
	replayed, gaps := f.sequencer.Counts()
	return Stats{
		Frames:       f.frames.Load(),
		Delivered:    f.delivered.Load(),
		DecodeErrors: f.decodeErrors.Load(),
		Replayed:     replayed,
		Gaps:         gaps,
		Reconnects:   f.reconnects.Load(),
	}
}

// Run connects and delivers ticks until ctx is cancelled, reconnecting with
// backoff on any failure. After MaxReconnects consecutive failures it emits
// connection_lost and returns a *domain.ConnectionError. Queued ticks are
// drained before Run returns unless ctx is already done.
func (f *Feed) Run(ctx context.Context) error {
	defer f.dispatcher.Close(ctx)
	if f.cfg.URL == "" {
		return fmt.Errorf("feed: run: no url configured")
	}
	f.logger.InfoContext(ctx, "market feed started", slog.Int("instruments", len(f.cfg.Instruments)))
	defer f.logger.Info("market feed stopped")

	failures := 0
	for {
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		failures++
		if f.cfg.MaxReconnects > 0 && failures > f.cfg.MaxReconnects {
			ce := &domain.ConnectionError{Op: "market feed", Attempts: failures, Err: err}
			f.logger.ErrorContext(ctx, "market feed gave up", slog.String("error", ce.Error()))
			f.events.Emit(ctx, domain.Event{
				Type:    domain.EventConnectionLost,
				Message: ce.Error(),
				Time:    time.Now().UTC(),
			})
			return ce
		}

		delay := f.cfg.Backoff.Next(failures - 1)
		f.logger.WarnContext(ctx, "market feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", failures),
			slog.Duration("delay", delay),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil
		}
		f.reconnects.Add(1)
	}
}

// runConnection dials, subscribes and reads until the connection fails.
// connected reports whether the subscription was established.
func (f *Feed) runConnection(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if f.cfg.SessionToken != "" {
		header.Set("Authorization", "Bearer "+f.cfg.SessionToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Instruments: f.cfg.Instruments}); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "market feed subscribed",
		slog.String("url", f.cfg.URL),
		slog.Int("instruments", len(f.cfg.Instruments)),
	)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go keepalive(ctx, conn, done)

	consecutive := 0
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if msgType != websocket.BinaryMessage {
			f.logger.DebugContext(ctx, "control message", slog.String("body", truncate(msg, 200)))
			continue
		}
		f.frames.Add(1)

		tick, err := codec.Decode(msg)
		if err != nil {
			f.decodeErrors.Add(1)
			consecutive++
			f.logger.WarnContext(ctx, "dropping undecodable frame",
				slog.String("error", err.Error()),
				slog.Int("bytes", len(msg)),
				slog.Int("consecutive", consecutive),
			)
			if f.cfg.MaxDecodeErrors > 0 && consecutive >= f.cfg.MaxDecodeErrors {
				return true, fmt.Errorf("%d consecutive decode errors: %w", consecutive, err)
			}
			continue
		}
		consecutive = 0

		if !f.sequencer.Accept(tick) {
			continue
		}
		if err := f.dispatcher.Dispatch(ctx, tick); err != nil {
			return true, err
		}
		f.delivered.Add(1)
	}
}

func keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed %d: %s", ce.Code, ce.Text)
	}
	return err.Error()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// DecodeSubscribe parses a subscription message. Exposed for simulated
// exchanges and tests.
func DecodeSubscribe(data []byte) ([]string, error) {
	var m subscribeMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("feed: decode subscribe: %w", err)
	}
	if m.Action != "subscribe" {
		return nil, fmt.Errorf("feed: decode subscribe: unexpected action %q", m.Action)
	}
	return m.Instruments, nil
}
