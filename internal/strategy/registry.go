package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a strategy from its configuration.
type Factory func(cfg Config) (Strategy, error)

// Registry manages a named collection of strategy factories that can be
// looked up at runtime. It is safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry holding the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("mean_reversion", func(cfg Config) (Strategy, error) { return NewMeanReversion(cfg), nil })
	r.Register("ha_trend", func(cfg Config) (Strategy, error) { return NewHATrend(cfg) })
	r.Register("noop", func(cfg Config) (Strategy, error) { return Noop{}, nil })
	return r
}

// Register adds a factory under the given name, replacing any existing one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the strategy registered under name.
func (r *Registry) New(name string, cfg Config) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	cfg.Name = name
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", name, err)
	}
	return s, nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
