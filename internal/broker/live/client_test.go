package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradebot/internal/crypto"
	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/retry"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL}, &crypto.HMACAuth{Key: "k", Secret: "s"}, testLogger)
}

func TestSubmitSignsAndSendsIdempotencyKey(t *testing.T) {
	var got submitBody
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, "idem-1", r.Header.Get(HeaderIdempotencyKey))

		body, _ := io.ReadAll(r.Body)
		ok := crypto.Verify([]byte("s"), r.Header.Get(crypto.HeaderSignature),
			r.Header.Get(crypto.HeaderTimestamp), r.Method, r.URL.Path, string(body))
		assert.True(t, ok, "signature must verify")
		require.NoError(t, json.Unmarshal(body, &got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order_id":"BRK-1","state":"accepted"}`))
	}))

	ack, err := c.Submit(context.Background(), domain.SubmitRequest{
		ClientOrderID:  "o-1",
		IdempotencyKey: "idem-1",
		Instrument:     "ABC",
		Side:           domain.OrderSideBuy,
		Quantity:       3,
		Type:           domain.OrderTypeLimit,
		LimitPrice:     99.5,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck{BrokerOrderID: "BRK-1"}, ack)
	assert.Equal(t, "o-1", got.ClientOrderID)
	assert.Equal(t, 99.5, got.LimitPrice)
}

func TestSubmitStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		code      string
		duplicate bool
	}{
		{name: "server error", status: 503, body: "unavailable", retryable: true},
		{name: "throttled", status: 429, body: `{"message":"slow down"}`, retryable: true},
		{name: "rejected", status: 422, body: `{"code":"insufficient_buying_power","message":"no"}`, code: "insufficient_buying_power"},
		{name: "bad request without code", status: 400, body: "bad", code: "http_400"},
		{name: "unauthorized", status: 401, body: "", code: "unauthorized"},
		{name: "replayed key", status: 409, body: `{"order_id":"BRK-9"}`, duplicate: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			ack, err := c.Submit(context.Background(), domain.SubmitRequest{IdempotencyKey: "k", Instrument: "ABC"})

			switch {
			case tc.duplicate:
				require.NoError(t, err)
				assert.True(t, ack.Duplicate)
				assert.Equal(t, "BRK-9", ack.BrokerOrderID)
			case tc.retryable:
				assert.True(t, domain.IsRetryable(err), "got %v", err)
			default:
				var br *domain.BrokerRejection
				require.ErrorAs(t, err, &br)
				assert.Equal(t, tc.code, br.Code)
				assert.False(t, domain.IsRetryable(err))
			}
		})
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, Timeout: time.Second}, nil, testLogger)
	_, err := c.Submit(context.Background(), domain.SubmitRequest{IdempotencyKey: "k"})
	var ce *domain.ConnectionError
	require.ErrorAs(t, err, &ce)
}

func TestQueryStatusAndPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "BRK-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"order_id":"BRK-1","state":"partially_filled","filled_qty":2,"avg_fill_price":10.5,
			"fills":[{"fill_id":"F1","client_order_id":"o-1","instrument":"ABC","side":"BUY","quantity":2,"price":10.5}]}`))
	})
	mux.HandleFunc("GET /v1/positions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"positions":[{"instrument":"ABC","quantity":2},{"instrument":"XYZ","quantity":0}]}`))
	})
	mux.HandleFunc("DELETE /v1/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"already_filled","message":"order is filled"}`))
	})
	c := newClient(t, mux)
	ctx := context.Background()

	st, err := c.QueryStatus(ctx, "BRK-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatePartiallyFilled, st.State)
	require.Len(t, st.Fills, 1)
	assert.Equal(t, "BRK-1", st.Fills[0].BrokerOrderID)
	assert.Equal(t, "o-1", st.Fills[0].OrderID)
	assert.Equal(t, domain.OrderSideBuy, st.Fills[0].Side)

	_, err = c.QueryStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pos, err := c.Positions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"ABC": 2}, pos)

	var br *domain.BrokerRejection
	require.ErrorAs(t, c.Cancel(ctx, "BRK-1"), &br)
	assert.Equal(t, "already_filled", br.Code)
}

func TestMapState(t *testing.T) {
	assert.Equal(t, domain.OrderStateCancelled, mapState("CANCELED"))
	assert.Equal(t, domain.OrderStateCancelled, mapState("expired"))
	assert.Equal(t, domain.OrderStateRejectedBroker, mapState("rejected"))
	assert.Equal(t, domain.OrderStateFilled, mapState("filled"))
	assert.Equal(t, domain.OrderStateSubmitted, mapState("new"))
}

func wsURL(httpURL string) string { return "ws" + strings.TrimPrefix(httpURL, "http") }

func TestFillStreamReconnects(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(crypto.HeaderSignature))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		msg := fmt.Sprintf(`{"fill_id":"F%d","order_id":"BRK-%d","instrument":"ABC","side":"sell","quantity":1,"price":5}`, n, n)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		// Drop the connection to force a reconnect.
		_ = conn.Close()
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, WSURL: wsURL(srv.URL), MaxReconnects: 5}, &crypto.HMACAuth{Key: "k", Secret: "s"}, testLogger)
	c.SetSleeper(retry.NoSleep)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunFillStream(ctx) }()

	var ids []string
	for len(ids) < 2 {
		select {
		case f := <-c.Fills():
			ids = append(ids, f.ID)
			assert.Equal(t, domain.OrderSideSell, f.Side)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for streamed fills")
		}
	}
	assert.Equal(t, []string{"F1", "F2"}, ids)

	cancel()
	assert.NoError(t, <-done)
}

type sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestFillStreamGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv.URL)
	srv.Close()

	events := &sink{}
	c := New(Config{BaseURL: srv.URL, WSURL: url, MaxReconnects: 2}, nil, testLogger)
	c.SetSleeper(retry.NoSleep)
	c.SetEventSink(events)

	err := c.RunFillStream(context.Background())
	var ce *domain.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventConnectionLost, events.events[0].Type)
}
