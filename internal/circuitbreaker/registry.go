package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/netcore/internal/config"
)

// Registry holds one Breaker per key, created on first use with the
// current configuration.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      config.CircuitBreakerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg config.CircuitBreakerConfig, logger *slog.Logger) *Registry {
	return newRegistry(cfg, logger, time.Now)
}

func newRegistry(cfg config.CircuitBreakerConfig, logger *slog.Logger, now func() time.Time) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
		now:      now,
	}
}

// Get returns the breaker for key, creating a closed one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, r.cfg, r.logger, r.now)
	r.breakers[key] = b
	return b
}

func (r *Registry) Admit(key string) error   { return r.Get(key).Admit() }
func (r *Registry) RecordSuccess(key string) { r.Get(key).RecordSuccess() }
func (r *Registry) RecordFailure(key string) { r.Get(key).RecordFailure() }
func (r *Registry) ForceOpen(key string)     { r.Get(key).ForceOpen() }
func (r *Registry) ForceClose(key string)    { r.Get(key).ForceClose() }

// State returns the stored state for key. An unseen key is closed and is
// not created.
func (r *Registry) State(key string) State {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// Snapshot returns the state of every known breaker sorted by key.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// UpdateConfig applies new thresholds to existing and future breakers.
// Current states and counters are kept.
func (r *Registry) UpdateConfig(cfg config.CircuitBreakerConfig) {
	r.mu.Lock()
	r.cfg = cfg
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.updateConfig(cfg)
	}
}
