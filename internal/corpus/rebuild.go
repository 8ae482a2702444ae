package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/knoguchi/hybridrag/internal/repository"
)

// DefaultBatchSize is the number of passages read per page during a rebuild.
const DefaultBatchSize = 500

// Builder computes Statistics from the full passage set.
type Builder struct {
	boost     BoostList
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*Builder)

// WithBoostList replaces the default boost list.
func WithBoostList(bl BoostList) BuilderOption {
	return func(b *Builder) {
		b.boost = bl
	}
}

// WithBatchSize sets how many passages are read per page.
func WithBatchSize(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// NewBuilder creates a Builder with the default boost list.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		boost:     DefaultBoostList(),
		batchSize: DefaultBatchSize,
		logger:    slog.Default().With("component", "corpus-builder"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Rebuild scans every passage and returns fresh statistics. It never touches
// any published snapshot. A corpus without passages yields ErrStatsUnavailable.
func (b *Builder) Rebuild(ctx context.Context, passages repository.PassageRepository) (*Statistics, error) {
	start := b.now()
	stats := &Statistics{
		TermFrequency:     make(map[string]uint64),
		DocumentFrequency: make(map[string]uint64),
	}

	var totalTokens uint64
	err := passages.Iterate(ctx, b.batchSize, func(batch []repository.Passage) error {
		for i := range batch {
			counts, length := TermCounts(batch[i].Text)
			for term, n := range counts {
				stats.TermFrequency[term] += uint64(n)
				stats.DocumentFrequency[term]++
			}
			totalTokens += uint64(length)
			stats.TotalDocuments++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning passages: %w", err)
	}

	if stats.TotalDocuments == 0 {
		return nil, ErrStatsUnavailable
	}
	stats.AverageDocumentLength = float64(totalTokens) / float64(stats.TotalDocuments)

	inserted, amplified := b.boost.Apply(stats.TermFrequency)
	stats.BuiltAt = b.now().UTC()

	if err := stats.Validate(); err != nil {
		return nil, fmt.Errorf("invalid statistics: %w", err)
	}

	b.logger.Info("corpus statistics rebuilt",
		"documents", stats.TotalDocuments,
		"terms", len(stats.DocumentFrequency),
		"avg_doc_length", stats.AverageDocumentLength,
		"boost_inserted", inserted,
		"boost_amplified", amplified,
		"duration", time.Since(start),
	)
	return stats, nil
}
