package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSender struct {
	mu   sync.Mutex
	name string
	err  error
	got  []domain.Event
}

func (s *recordingSender) Send(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.got...)
}

func TestNotifierFiltersPerSender(t *testing.T) {
	chat := &recordingSender{name: "chat"}
	bus := &recordingSender{name: "bus"}
	n := NewNotifier([]Sender{chat}, []string{"order_filled"}, 8, discard())
	n.AddSender(bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	n.Emit(ctx, domain.Event{Type: domain.EventOrderFilled, Instrument: "ABC", Message: "filled 1 @ 10"})
	n.Emit(ctx, domain.Event{Type: domain.EventRiskRejection, Instrument: "ABC", Message: "max position"})

	require.Eventually(t, func() bool { return len(bus.events()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, chat.events(), 1)
	assert.Equal(t, domain.EventOrderFilled, chat.events()[0].Type)
	assert.False(t, chat.events()[0].Time.IsZero())
	assert.Equal(t, uint64(3), n.Stats().Delivered)
}

func TestNotifierEmitNeverBlocks(t *testing.T) {
	s := &recordingSender{name: "s"}
	n := NewNotifier([]Sender{s}, nil, 2, discard())

	for i := 0; i < 5; i++ {
		n.Emit(context.Background(), domain.Event{Type: domain.EventOrderFilled})
	}
	st := n.Stats()
	assert.Equal(t, uint64(5), st.Emitted)
	assert.Equal(t, uint64(3), st.Dropped)

	// Queued events are flushed when Run stops.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))
	assert.Len(t, s.events(), 2)
}

func TestDeliverReportsFailures(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{ok, bad}, nil, 1, discard())

	err := n.Deliver(context.Background(), domain.Event{Type: domain.EventSessionSummary, Message: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, ok.events(), 1)
	assert.Equal(t, uint64(1), n.Stats().Failed)
}

func TestTelegramSender(t *testing.T) {
	var body map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	err := s.Send(context.Background(), domain.Event{
		Type:       domain.EventBrokerRejection,
		Instrument: "BTC_USD",
		Message:    "insufficient funds",
		Time:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "Markdown", body["parse_mode"])
	assert.Contains(t, body["text"], "*Broker rejection · BTC\\_USD*")
	assert.Contains(t, body["text"], "2026-01-02T03:04:05Z")
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), domain.Event{Type: domain.EventConnectionLost})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429: slow down")
}

type fakeBus struct {
	published map[string][]byte
	stream    [][]byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.published == nil {
		b.published = map[string][]byte{}
	}
	b.published[channel] = payload
	return nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.stream = append(b.stream, payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusSender(t *testing.T) {
	bus := &fakeBus{}
	s := NewBusSender(bus, func(t domain.EventType) string { return "events:" + string(t) }, "events")
	require.NoError(t, s.Send(context.Background(), domain.Event{Type: domain.EventOrderCancelled, OrderID: "o1"}))

	payload := bus.published["events:order_cancelled"]
	require.NotNil(t, payload)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, "o1", ev.OrderID)
	assert.Len(t, bus.stream, 1)
}
