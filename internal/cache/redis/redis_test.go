package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

func TestKeysAreNamespaced(t *testing.T) {
	assert.Equal(t, "tradebot:lock:instrument:AAPL", lockKey("instrument:AAPL"))
	assert.Equal(t, "tradebot:price:AAPL", priceKey("AAPL"))
	assert.Equal(t, "tradebot:ratelimit:broker:submit", rateLimitKey("broker:submit"))
	assert.Equal(t, "tradebot:events:order_filled", EventChannel(domain.EventOrderFilled))
	assert.Equal(t, "tradebot:events", EventStream)
}

func TestParsePriceHash(t *testing.T) {
	ts := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	price, got, err := parsePriceHash(map[string]string{
		"price": "187.25",
		"ts":    "1767623400000000000",
	})
	require.NoError(t, err)
	assert.Equal(t, 187.25, price)
	assert.Equal(t, ts, got)

	_, _, err = parsePriceHash(map[string]string{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = parsePriceHash(map[string]string{"price": "abc", "ts": "1"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceCacheLocalMirror(t *testing.T) {
	pc := &PriceCache{local: make(map[string]float64)}
	_, ok := pc.LastPrice("AAPL")
	assert.False(t, ok)

	pc.remember("AAPL", 190)
	p, ok := pc.LastPrice("AAPL")
	assert.True(t, ok)
	assert.Equal(t, 190.0, p)
}

func TestPayloadBytes(t *testing.T) {
	b, ok := payloadBytes("x")
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), b)
	_, ok = payloadBytes(42)
	assert.False(t, ok)
}

func TestOptions(t *testing.T) {
	opts, err := options(ClientConfig{Addr: "localhost:6379", PoolSize: 20, TLSEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 20, opts.PoolSize)
	require.NotNil(t, opts.TLSConfig)

	opts, err = options(ClientConfig{Addr: "redis://:fromurl@cache.internal:6380/3"})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "fromurl", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Nil(t, opts.TLSConfig)

	opts, err = options(ClientConfig{Addr: "rediss://cache.internal:6380/1", Password: "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", opts.Password)
	assert.NotNil(t, opts.TLSConfig)

	_, err = options(ClientConfig{Addr: "redis://cache.internal:6380/notadb"})
	assert.Error(t, err)
}

func TestScriptsEmbedded(t *testing.T) {
	for _, cmd := range []string{"ZREMRANGEBYSCORE", "ZCARD", "ZADD", "PEXPIRE"} {
		assert.Contains(t, slidingWindowLua, cmd)
	}
	assert.Contains(t, unlockLua, "redis.call('DEL', KEYS[1])")
}
