package circuit

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry owns one breaker per named dependency.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Config
	observers []Observer
	log       *slog.Logger
}

// NewRegistry creates a registry. defaults is used for breakers created by
// GetOrCreate without an explicit configuration.
func NewRegistry(defaults Config, log *slog.Logger, observers ...Observer) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		observers: observers,
		log:       log,
	}
}

// Register creates a breaker from cfg. It fails if the name is taken or the
// configuration is invalid.
func (r *Registry) Register(cfg Config) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.breakers[cfg.Name]; exists {
		return nil, fmt.Errorf("circuit %s already registered", cfg.Name)
	}
	b, err := r.newBreaker(cfg)
	if err != nil {
		return nil, err
	}
	r.breakers[cfg.Name] = b
	r.log.Info("Created circuit breaker",
		"circuit", cfg.Name,
		"threshold", b.cfg.ErrorThresholdPercentage,
		"volume", b.cfg.VolumeThreshold,
		"reset_timeout", b.cfg.ResetTimeout)
	return b, nil
}

// GetOrCreate returns the named breaker, creating it from the registry
// defaults if needed.
func (r *Registry) GetOrCreate(name string) (*Breaker, error) {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[name]; exists {
		return b, nil
	}
	cfg := r.defaults
	cfg.Name = name
	b, err := r.newBreaker(cfg)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = b
	r.log.Info("Created circuit breaker from defaults", "circuit", name)
	return b, nil
}

func (r *Registry) newBreaker(cfg Config) (*Breaker, error) {
	opts := []Option{WithLogger(r.log)}
	for _, o := range r.observers {
		opts = append(opts, WithObserver(o))
	}
	return New(cfg, opts...)
}

// Get returns the named breaker.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// All returns every breaker sorted by name.
func (r *Registry) All() []*Breaker {
	r.mu.RLock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AllStats snapshots every breaker.
func (r *Registry) AllStats() []Stats {
	breakers := r.All()
	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// ForceOpen pins the named breaker open.
func (r *Registry) ForceOpen(name string) error {
	b, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("circuit %s not found", name)
	}
	b.ForceOpen()
	r.log.Warn("Circuit forced open", "circuit", name)
	return nil
}

// ForceClose closes the named breaker.
func (r *Registry) ForceClose(name string) error {
	b, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("circuit %s not found", name)
	}
	b.ForceClose()
	r.log.Warn("Circuit forced closed", "circuit", name)
	return nil
}

// Reset clears the named breaker.
func (r *Registry) Reset(name string) error {
	b, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("circuit %s not found", name)
	}
	b.Reset()
	r.log.Info("Circuit reset", "circuit", name)
	return nil
}
