package strategy

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
)

// Strategy turns market data into order intents. Implementations never
// talk to a broker; every intent goes through the order router and its
// risk gate. The engine serialises calls into one strategy.
type Strategy interface {
	Name() string
	OnTick(ctx context.Context, tick domain.Tick, view ledger.View) []domain.OrderIntent
	OnFill(ctx context.Context, fill domain.Fill)
	OnRejection(ctx context.Context, intent domain.OrderIntent, reason error)
}

// KeyFunc issues idempotency keys for new intents.
type KeyFunc func() string

// Config holds strategy configuration.
type Config struct {
	Name string
	// Size is the quantity of each entry order.
	Size float64
	// Instruments restricts the strategy; empty means every instrument.
	Instruments []string
	Params      map[string]any
	// NewKey defaults to domain.NewIdempotencyKey. Backtests install a
	// deterministic generator.
	NewKey KeyFunc
	Logger *slog.Logger
}

func (c Config) key() string {
	if c.NewKey != nil {
		return c.NewKey()
	}
	return domain.NewIdempotencyKey()
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) trades(instrument string) bool {
	if len(c.Instruments) == 0 {
		return true
	}
	for _, i := range c.Instruments {
		if i == instrument {
			return true
		}
	}
	return false
}

func (c Config) paramFloat(name string, def float64) float64 {
	switch v := c.Params[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

func (c Config) paramInt(name string, def int) int {
	switch v := c.Params[name].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func (c Config) paramString(name, def string) string {
	if v, ok := c.Params[name].(string); ok && v != "" {
		return v
	}
	return def
}
