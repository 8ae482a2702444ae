package corpus

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps saved statistics in process. Used by the in-memory backend and tests.
type MemoryStore struct {
	mu    sync.Mutex
	stats *Statistics
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (*Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return nil, ErrStatsUnavailable
	}
	return clone(s.stats), nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, stats *Statistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = clone(stats)
	return nil
}

func clone(s *Statistics) *Statistics {
	c := *s
	c.TermFrequency = maps.Clone(s.TermFrequency)
	c.DocumentFrequency = maps.Clone(s.DocumentFrequency)
	return &c
}

var _ Store = (*MemoryStore)(nil)
