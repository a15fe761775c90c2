package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/stake-plus/govwatch/src/telemetry"
)

// Registry owns one Breaker per external dependency for the life of the
// process. It is created once at startup; breakers are registered from
// configuration and shared by every investigation.
type Registry struct {
	defaults Config
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithMetrics exports breaker transitions through m.
func WithMetrics(m *telemetry.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now for every breaker the registry creates.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry using defaults for lazily created breakers.
func NewRegistry(defaults Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults: defaults.withDefaults(),
		now:      time.Now,
		breakers: map[string]*Breaker{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the breaker for name with cfg. Registering an existing
// name returns the breaker already in place.
func (r *Registry) Register(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := r.build(name, cfg)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for name, creating one with the registry defaults
// on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	return r.Register(name, r.defaults)
}

// Snapshots returns the state of every breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) build(name string, cfg Config) *Breaker {
	b := New(name, cfg)
	b.now = r.now
	b.metrics = r.metrics
	if b.metrics != nil {
		b.metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	}
	return b
}
