package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	streamPath = "/v1/stream/fills"
)

// Fills returns the channel streamed fills are delivered on. It is closed
// when RunFillStream returns.
func (c *Client) Fills() <-chan domain.Fill { return c.fills }

// RunFillStream keeps a WebSocket open to the broker's fill stream and
// forwards every fill. It reconnects with backoff; after MaxReconnects
// consecutive failures it emits connection_lost and returns a
// *domain.ConnectionError. It returns nil when ctx is cancelled.
func (c *Client) RunFillStream(ctx context.Context) error {
	defer close(c.fills)
	if c.cfg.WSURL == "" {
		<-ctx.Done()
		return nil
	}

	failures := 0
	for {
		connected, err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		failures++
		if c.cfg.MaxReconnects > 0 && failures > c.cfg.MaxReconnects {
			ce := &domain.ConnectionError{Op: "fill stream", Attempts: failures, Err: err}
			c.logger.ErrorContext(ctx, "fill stream gave up", slog.String("error", ce.Error()))
			c.events.Emit(ctx, domain.Event{
				Type:    domain.EventConnectionLost,
				Message: ce.Error(),
				Time:    time.Now().UTC(),
			})
			return ce
		}

		delay := c.cfg.Backoff.Next(failures - 1)
		c.logger.WarnContext(ctx, "fill stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", failures),
			slog.Duration("delay", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// streamOnce runs one connection until it fails. connected reports whether
// the dial succeeded.
func (c *Client) streamOnce(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if c.auth != nil {
		for k, v := range c.auth.Headers(http.MethodGet, streamPath, "") {
			header.Set(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	c.logger.InfoContext(ctx, "fill stream connected", slog.String("url", c.cfg.WSURL))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
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
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var f fillResponse
		if err := json.Unmarshal(msg, &f); err != nil || f.FillID == "" {
			c.logger.WarnContext(ctx, "dropping malformed fill message", slog.Int("bytes", len(msg)))
			continue
		}
		select {
		case c.fills <- f.toDomain():
		case <-ctx.Done():
			return true, ctx.Err()
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
