package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradebot/internal/backtest"
	"github.com/alanyoungcy/tradebot/internal/codec"
	"github.com/alanyoungcy/tradebot/internal/config"
	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
	"github.com/alanyoungcy/tradebot/internal/notify"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu  sync.Mutex
	got []domain.Event
}

func (r *recorder) Send(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func (r *recorder) Name() string { return "recorder" }

func paperConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Feed.URL = "ws://127.0.0.1:1/feed"
	cfg.Engine.Instruments = []string{"ABC"}
	cfg.Strategy.Active = []string{"noop"}
	return &cfg
}

func TestPaperSessionMarksAndReports(t *testing.T) {
	rec := &recorder{}
	deps := &Dependencies{Notifier: notify.NewNotifier([]notify.Sender{rec}, nil, 8, discard())}
	s, err := newSession(context.Background(), paperConfig(), deps, discard())
	require.NoError(t, err)
	require.NotNil(t, s.paper)
	require.Nil(t, s.live)

	ctx := context.Background()
	s.onTick(ctx, domain.Tick{Instrument: "ABC", ExchangeTime: time.Now(), Last: 101.5})

	price, ok := markSource{s.ledger}.LastPrice("ABC")
	require.True(t, ok)
	assert.Equal(t, 101.5, price)
	_, ok = markSource{s.ledger}.LastPrice("XYZ")
	assert.False(t, ok)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "paper", st.Mode)
	assert.False(t, st.Halted)
	assert.Equal(t, []string{"noop"}, st.Strategies)
	assert.Equal(t, 100_000.0, st.Equity)

	p, err := s.Portfolio(ctx)
	require.NoError(t, err)
	// A marked but flat instrument is not a position.
	assert.Empty(t, p.Positions)

	orders, err := s.Orders(ctx, false, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, orders)

	assert.ErrorIs(t, s.CancelOrder(ctx, "missing"), domain.ErrNotFound)
	require.NoError(t, s.Resume(ctx))

	s.router.Halt(errors.New("position mismatch"))
	st, err = s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Halted)
	require.NoError(t, s.Resume(ctx))
	assert.NoError(t, s.router.Halted())

	s.shutdown(time.Second)
	require.Len(t, rec.got, 1)
	assert.Equal(t, domain.EventSessionSummary, rec.got[0].Type)
	assert.Contains(t, rec.got[0].Message, "trades=0")
}

func TestLiveSessionNeedsSecret(t *testing.T) {
	cfg := paperConfig()
	cfg.Mode = "live"
	cfg.Broker.BaseURL = "https://broker.example"
	cfg.Broker.APIKey = "k"
	cfg.Broker.APISecretFile = filepath.Join(t.TempDir(), "missing.json")
	cfg.Broker.SecretPassword = "pw"

	deps := &Dependencies{Notifier: notify.NewNotifier(nil, nil, 1, discard())}
	_, err := newSession(context.Background(), cfg, deps, discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker secret")
}

func TestUnknownStrategyFailsSession(t *testing.T) {
	cfg := paperConfig()
	cfg.Strategy.Active = []string{"moonshot"}
	deps := &Dependencies{Notifier: notify.NewNotifier(nil, nil, 1, discard())}
	_, err := newSession(context.Background(), cfg, deps, discard())
	require.Error(t, err)
}

func TestBacktestModeWritesReport(t *testing.T) {
	dir := t.TempDir()
	var data []byte
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		tk := domain.Tick{Instrument: "ABC", ExchangeTime: base.Add(time.Duration(i) * time.Second), Last: 100 + float64(i%5), Seq: uint64(i + 1)}
		data = codec.AppendDelimited(data, codec.Encode(tk, true))
	}
	ticks := filepath.Join(dir, "ticks.bin")
	require.NoError(t, os.WriteFile(ticks, data, 0o600))

	cfg := config.Defaults()
	cfg.Mode = "backtest"
	cfg.Backtest.Source = "file"
	cfg.Backtest.File = ticks
	cfg.Backtest.ReportPath = filepath.Join(dir, "out", "report.json")
	cfg.Strategy.Active = []string{"noop"}

	a := New(&cfg, discard())
	require.NoError(t, a.BacktestMode(context.Background(), &Dependencies{}))

	raw, err := os.ReadFile(cfg.Backtest.ReportPath)
	require.NoError(t, err)
	var rep backtest.Report
	require.NoError(t, json.Unmarshal(raw, &rep))
	assert.Equal(t, 50, rep.Stats.Ticks)
	assert.Empty(t, rep.Orders)
}

func TestStoreEngineRefusesMutations(t *testing.T) {
	e := &storeEngine{cfg: paperConfig(), deps: &Dependencies{}}
	assert.ErrorIs(t, e.CancelOrder(context.Background(), "o1"), errors.ErrUnsupported)
	assert.ErrorIs(t, e.Resume(context.Background()), errors.ErrUnsupported)
}

func TestPortfolioFromView(t *testing.T) {
	v := ledger.View{
		Cash: 500,
		Positions: map[string]domain.Position{
			"XYZ":  {Instrument: "XYZ", Quantity: 2, LastMark: 10},
			"ABC":  {Instrument: "ABC", Quantity: -1, LastMark: 50},
			"FLAT": {Instrument: "FLAT", LastMark: 3},
			"DONE": {Instrument: "DONE", RealizedPnL: 4},
		},
	}
	p := portfolioFromView(v)
	require.Len(t, p.Positions, 3)
	assert.Equal(t, []string{"ABC", "DONE", "XYZ"}, []string{p.Positions[0].Instrument, p.Positions[1].Instrument, p.Positions[2].Instrument})
	assert.Equal(t, 500+20-50.0, p.Equity)
	assert.Equal(t, 70.0, p.Exposure)
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{3, 4}, page(items, domain.ListOpts{Limit: 2, Offset: 2}))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, page(items, domain.ListOpts{}))
	assert.Nil(t, page(items, domain.ListOpts{Offset: 9}))
}

func TestEveryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- every(ctx, time.Millisecond, func(context.Context) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.NoError(t, every(context.Background(), 0, nil))
}
