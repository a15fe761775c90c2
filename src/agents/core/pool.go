package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type poolEntry struct {
	desc Descriptor
	get  func() (Agent, error)
}

// Pool resolves agent ids to singleton instances, building each one on first
// use. Construction runs exactly once per id even under concurrent first
// access; a failed construction is remembered and returned to later callers.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*poolEntry

	lifeMu  sync.Mutex
	running []Lifecycle
	closed  bool
}

// NewPool returns an empty pool ready for registration.
func NewPool() *Pool {
	return &Pool{entries: map[string]*poolEntry{}}
}

// Register adds a lazily constructed agent under desc.ID.
func (p *Pool) Register(desc Descriptor, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("agents.Pool: nil factory for %q", desc.ID)
	}
	id := normalizeKey(desc.ID)
	if id == "" {
		return fmt.Errorf("agents.Pool: agent missing id")
	}
	desc = desc.WithDefaults().clone()
	desc.ID = id

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[id]; exists {
		return fmt.Errorf("agents.Pool: agent %q already registered", id)
	}
	p.entries[id] = &poolEntry{
		desc: desc,
		get:  sync.OnceValues(func() (Agent, error) { return p.construct(id, factory) }),
	}
	return nil
}

func (p *Pool) construct(id string, factory Factory) (Agent, error) {
	agent, err := factory()
	if err != nil {
		return nil, fmt.Errorf("agents.Pool: construct %q: %w", id, err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agents.Pool: factory for %q returned nil", id)
	}
	lifecycle, ok := agent.(Lifecycle)
	if !ok {
		return agent, nil
	}

	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("agents.Pool: closed")
	}
	if err := lifecycle.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("agents.Pool: start %q: %w", id, err)
	}
	p.running = append(p.running, lifecycle)
	return agent, nil
}

// Get returns the instance registered under id, constructing it on first use.
func (p *Pool) Get(id string) (Agent, error) {
	key := normalizeKey(id)
	p.mu.RLock()
	entry := p.entries[key]
	p.mu.RUnlock()
	if entry == nil {
		return nil, &UnknownAgentError{AgentID: id}
	}
	return entry.get()
}

// Descriptor returns a copy of the metadata registered under id.
func (p *Pool) Descriptor(id string) (Descriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry := p.entries[normalizeKey(id)]
	if entry == nil {
		return Descriptor{}, false
	}
	return entry.desc.clone(), true
}

// Capabilities returns every registered descriptor sorted by id. It never
// constructs an agent.
func (p *Pool) Capabilities() []Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Descriptor, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, entry.desc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops constructed lifecycle agents in reverse construction order.
// Agents requested after Close fail to construct.
func (p *Pool) Close(ctx context.Context) {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	for i := len(p.running) - 1; i >= 0; i-- {
		p.running[i].Stop(ctx)
	}
	p.running = nil
	p.closed = true
}

func normalizeKey(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}
