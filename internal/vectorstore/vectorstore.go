// Package vectorstore provides the vector candidate source: nearest-neighbour
// lookup over precomputed passage embeddings.
package vectorstore

import (
	"context"
	"math"

	"github.com/knoguchi/hybridrag/internal/repository"
)

// Filter restricts a search by passage metadata. Zero fields match everything.
type Filter struct {
	Category string
	Levels   *repository.LevelRange
}

// Matches reports whether metadata satisfies the filter.
func (f Filter) Matches(m repository.PassageMetadata) bool {
	if f.Category != "" && m.Category != f.Category {
		return false
	}
	return f.Levels.Contains(m.TechnicalLevel)
}

// SearchResult is one nearest-neighbour hit. Score is cosine similarity clamped to [0,1].
type SearchResult struct {
	Passage repository.Passage
	Score   float64
}

// VectorStore defines the interface for vector storage operations
type VectorStore interface {
	// Search returns up to topK passages most similar to vector, best first.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]SearchResult, error)

	// Upsert inserts or replaces passages with their embeddings.
	Upsert(ctx context.Context, passages []repository.Passage) error
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths and zero-magnitude vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

func clampScore(s float64) float64 {
	if s < 0 || math.IsNaN(s) {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
