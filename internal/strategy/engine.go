package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
)

const defaultRecentLimit = 500

// Engine fans ticks out to the active strategies and forwards the resulting
// intents to the intent channel consumed by the executor. Each strategy is
// guarded by its own mutex so ticks, fills and rejections never reach one
// strategy concurrently.
type Engine struct {
	slots    []*slot
	byName   map[string]*slot
	intentCh chan<- domain.OrderIntent
	logger   *slog.Logger

	mu            sync.Mutex
	recentIntents []domain.OrderIntent
	recentLimit   int
}

type slot struct {
	mu sync.Mutex
	s  Strategy
}

// NewEngine creates an Engine over already-built strategies. intentCh may be
// nil when only Evaluate is used, as in backtests.
func NewEngine(strategies []Strategy, intentCh chan<- domain.OrderIntent, logger *slog.Logger) *Engine {
	e := &Engine{
		byName:      make(map[string]*slot, len(strategies)),
		intentCh:    intentCh,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		recentLimit: defaultRecentLimit,
	}
	for _, s := range strategies {
		sl := &slot{s: s}
		e.slots = append(e.slots, sl)
		e.byName[s.Name()] = sl
	}
	return e
}

// Build constructs the named strategies from the registry. Each shares base
// except for its name and, when params has an entry for it, its Params.
func Build(reg *Registry, names []string, base Config, params map[string]map[string]any) ([]Strategy, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("strategy: build: no strategies named")
	}
	out := make([]Strategy, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("strategy: build: %q listed twice", name)
		}
		seen[name] = true
		cfg := base
		if p, ok := params[name]; ok {
			cfg.Params = p
		}
		s, err := reg.New(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("strategy: build: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ActiveName returns a comma-separated list of the active strategies.
func (e *Engine) ActiveName() string {
	return strings.Join(e.Names(), ",")
}

// Names returns the active strategy names in evaluation order.
func (e *Engine) Names() []string {
	names := make([]string, len(e.slots))
	for i, sl := range e.slots {
		names[i] = sl.s.Name()
	}
	return names
}

// Evaluate runs every strategy on tick in order and returns their intents.
// Intents without a strategy id are stamped with the producer's name.
func (e *Engine) Evaluate(ctx context.Context, tick domain.Tick, view ledger.View) []domain.OrderIntent {
	var out []domain.OrderIntent
	for _, sl := range e.slots {
		sl.mu.Lock()
		intents := sl.s.OnTick(ctx, tick, view)
		sl.mu.Unlock()

		for _, in := range intents {
			if in.StrategyID == "" {
				in.StrategyID = sl.s.Name()
			}
			out = append(out, in)
		}
	}
	if len(out) > 0 {
		e.remember(out)
	}
	return out
}

// HandleTick evaluates tick and sends the intents to the intent channel. It
// returns ctx.Err() if the context ends before every intent is delivered.
func (e *Engine) HandleTick(ctx context.Context, tick domain.Tick, view ledger.View) error {
	intents := e.Evaluate(ctx, tick, view)
	for i := range intents {
		select {
		case <-ctx.Done():
			e.logger.Warn("context cancelled while emitting intents",
				slog.Int("remaining", len(intents)-i),
			)
			return ctx.Err()
		case e.intentCh <- intents[i]:
			e.logger.Debug("intent emitted",
				slog.String("strategy", intents[i].StrategyID),
				slog.String("instrument", intents[i].Instrument),
				slog.String("side", string(intents[i].Side)),
				slog.Float64("quantity", intents[i].Quantity),
			)
		}
	}
	return nil
}

// OnFill routes a fill to the strategy that placed the order. Its signature
// matches the router's fill observer.
func (e *Engine) OnFill(ctx context.Context, order domain.Order, fill domain.Fill) {
	sl, ok := e.byName[order.Intent.StrategyID]
	if !ok {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.s.OnFill(ctx, fill)
}

// OnRejection tells the originating strategy its intent was refused.
func (e *Engine) OnRejection(ctx context.Context, intent domain.OrderIntent, reason error) {
	sl, ok := e.byName[intent.StrategyID]
	if !ok {
		e.logger.Warn("rejection for unknown strategy",
			slog.String("strategy", intent.StrategyID),
			slog.String("error", reason.Error()),
		)
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.s.OnRejection(ctx, intent, reason)
}

// RecentIntents returns up to limit of the most recent intents, newest first.
func (e *Engine) RecentIntents(limit int) []domain.OrderIntent {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recentIntents)
	if limit > n {
		limit = n
	}
	out := make([]domain.OrderIntent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recentIntents[i])
	}
	return out
}

func (e *Engine) remember(intents []domain.OrderIntent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentIntents = append(e.recentIntents, intents...)
	if overflow := len(e.recentIntents) - e.recentLimit; overflow > 0 {
		e.recentIntents = append([]domain.OrderIntent(nil), e.recentIntents[overflow:]...)
	}
}
