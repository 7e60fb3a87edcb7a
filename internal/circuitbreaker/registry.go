package circuitbreaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Registry hands out breakers by dependency name. Breakers are created on
// first use with the registry's shared Config and kept for the process lifetime.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	return r.get(name, r.cfg)
}

// GetWithFilter is Get with a dependency-specific failure filter. The filter
// only applies when this call creates the breaker.
func (r *Registry) GetWithFilter(name string, isFailure func(error) bool) *Breaker {
	cfg := r.cfg
	cfg.IsFailure = isFailure
	return r.get(name, cfg)
}

func (r *Registry) get(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg)
	logger := r.logger
	b.OnTransition(func(name string, from, to State) {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "circuit breaker state change",
			"breaker", name, "from", from.String(), "to", to.String())
	})
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	list := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(list))
	for i, b := range list {
		out[names[i]] = b.State()
	}
	return out
}

// Names returns the registered breaker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
