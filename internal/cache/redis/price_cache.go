package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes at
// "tradebot:price:{instrument}" with fields "price" and "ts" (Unix nanos).
// It also implements domain.PriceSource from a process-local mirror of the
// marks this process wrote or read, so the risk gate never waits on Redis.
type PriceCache struct {
	rdb *redis.Client

	mu    sync.RWMutex
	local map[string]float64
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{
		rdb:   c.Underlying(),
		local: make(map[string]float64),
	}
}

func priceKey(instrument string) string {
	return key("price", instrument)
}

// SetPrice stores the latest mark and its timestamp.
func (pc *PriceCache) SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error {
	pc.remember(instrument, price)

	fields := map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(instrument), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", instrument, err)
	}
	return nil
}

// GetPrice retrieves the latest mark and timestamp for an instrument. It
// returns domain.ErrNotFound when nothing is stored.
func (pc *PriceCache) GetPrice(ctx context.Context, instrument string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(instrument)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	price, ts, err := parsePriceHash(vals)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, time.Time{}, err
		}
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	pc.remember(instrument, price)
	return price, ts, nil
}

// GetPrices retrieves the latest marks for several instruments in one
// pipeline. Instruments with nothing stored are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	if len(instruments) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(instruments))
	for _, inst := range instruments {
		cmds[inst] = pipe.HGetAll(ctx, priceKey(inst))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(instruments))
	for inst, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		price, _, err := parsePriceHash(vals)
		if err != nil {
			continue
		}
		result[inst] = price
		pc.remember(inst, price)
	}
	return result, nil
}

// Warm loads the stored marks for instruments into the local mirror. It is
// called at startup so the risk gate has prices before the first tick.
func (pc *PriceCache) Warm(ctx context.Context, instruments []string) (int, error) {
	prices, err := pc.GetPrices(ctx, instruments)
	if err != nil {
		return 0, err
	}
	return len(prices), nil
}

// LastPrice returns the most recent mark this process has seen.
func (pc *PriceCache) LastPrice(instrument string) (float64, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	p, ok := pc.local[instrument]
	return p, ok
}

func (pc *PriceCache) remember(instrument string, price float64) {
	pc.mu.Lock()
	pc.local[instrument] = price
	pc.mu.Unlock()
}

func parsePriceHash(vals map[string]string) (float64, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, tsNano).UTC(), nil
}

// Compile-time interface checks.
var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.PriceSource = (*PriceCache)(nil)
)
