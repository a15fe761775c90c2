package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned for unknown investigation ids.
var ErrNotFound = errors.New("orchestrator: investigation not found")

// Store persists investigations. Implementations must return copies that the
// caller may modify.
type Store interface {
	Save(ctx context.Context, inv *Investigation) error
	Load(ctx context.Context, id string) (*Investigation, error)
}

// Lister is implemented by stores that can enumerate recent investigations.
type Lister interface {
	List(ctx context.Context, limit int) ([]*Investigation, error)
}

// MemoryStore keeps investigations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Investigation
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]*Investigation{}}
}

func (s *MemoryStore) Save(_ context.Context, inv *Investigation) error {
	if inv == nil || inv.ID == "" {
		return errors.New("orchestrator: investigation without id")
	}
	s.mu.Lock()
	s.items[inv.ID] = inv.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Investigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inv.Clone(), nil
}

// List returns up to limit investigations, newest first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Investigation, error) {
	s.mu.RLock()
	out := make([]*Investigation, 0, len(s.items))
	for _, inv := range s.items {
		out = append(out, inv.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
