package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/knoguchi/hybridrag/internal/repository"
)

// MemoryStore is an exhaustive in-process vector index. It backs development
// setups and tests; search cost is linear in the number of passages.
type MemoryStore struct {
	mu       sync.RWMutex
	order    []string
	passages map[string]repository.Passage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{passages: make(map[string]repository.Passage)}
}

// Load copies every passage from repo into the store.
func (s *MemoryStore) Load(ctx context.Context, repo repository.PassageRepository) error {
	var loaded int
	err := repo.Iterate(ctx, 500, func(batch []repository.Passage) error {
		loaded += len(batch)
		return s.Upsert(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("loading passages: %w", err)
	}
	slog.Default().With("component", "vectorstore").Info("memory store loaded", "passages", loaded)
	return nil
}

// Upsert implements VectorStore.
func (s *MemoryStore) Upsert(ctx context.Context, passages []repository.Passage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range passages {
		if p.ID == "" {
			return fmt.Errorf("passage without id")
		}
		if _, ok := s.passages[p.ID]; !ok {
			s.order = append(s.order, p.ID)
		}
		s.passages[p.ID] = p
	}
	return nil
}

// Len returns the number of stored passages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Search implements VectorStore. Ties keep insertion order.
func (s *MemoryStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.order))
	for _, id := range s.order {
		p := s.passages[id]
		if !filter.Matches(p.Metadata) {
			continue
		}
		results = append(results, SearchResult{
			Passage: p,
			Score:   clampScore(CosineSimilarity(vector, p.Embedding)),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

var _ VectorStore = (*MemoryStore)(nil)
