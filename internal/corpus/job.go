package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/hybridrag/internal/repository"
)

// Rebuilt describes a completed rebuild. It is the payload of the
// stats-rebuilt notification other instances use to reload.
type Rebuilt struct {
	RebuildID      string    `json:"rebuild_id"`
	Version        uint64    `json:"version"`
	TotalDocuments uint64    `json:"total_documents"`
	Terms          int       `json:"terms"`
	AvgDocLength   float64   `json:"avg_doc_length"`
	BuiltAt        time.Time `json:"built_at"`
}

// Notifier announces a finished rebuild. Notification failures never fail the rebuild.
type Notifier interface {
	NotifyRebuilt(ctx context.Context, ev Rebuilt) error
}

// Job is the batch rebuild: scan, build, persist, publish, notify.
type Job struct {
	builder  *Builder
	passages repository.PassageRepository
	store    Store
	holder   *Holder
	notifier Notifier
	logger   *slog.Logger
}

// NewJob wires a rebuild job. holder and notifier may be nil.
func NewJob(builder *Builder, passages repository.PassageRepository, store Store, holder *Holder, notifier Notifier) *Job {
	return &Job{
		builder:  builder,
		passages: passages,
		store:    store,
		holder:   holder,
		notifier: notifier,
		logger:   slog.Default().With("component", "corpus-rebuild"),
	}
}

// Run executes one rebuild. The new statistics are saved before they are
// published locally, so a crash never leaves a published but unsaved version.
func (j *Job) Run(ctx context.Context) (*Rebuilt, []TermCount, error) {
	rebuildID := uuid.NewString()
	logger := j.logger.With("rebuild_id", rebuildID)
	logger.Info("starting corpus statistics rebuild")

	stats, err := j.builder.Rebuild(ctx, j.passages)
	if err != nil {
		return nil, nil, fmt.Errorf("rebuilding statistics: %w", err)
	}

	if err := j.store.Save(ctx, stats); err != nil {
		return nil, nil, fmt.Errorf("saving statistics: %w", err)
	}

	ev := Rebuilt{
		RebuildID:      rebuildID,
		TotalDocuments: stats.TotalDocuments,
		Terms:          len(stats.DocumentFrequency),
		AvgDocLength:   stats.AverageDocumentLength,
		BuiltAt:        stats.BuiltAt,
	}
	if j.holder != nil {
		ev.Version = j.holder.Swap(stats).Version
	}

	top := stats.TopTerms(20)
	for i, tc := range top {
		logger.Info("top term", "rank", i+1, "term", tc.Term, "tf", tc.Frequency, "df", stats.DocumentFrequency[tc.Term])
	}

	if j.notifier != nil {
		if err := j.notifier.NotifyRebuilt(ctx, ev); err != nil {
			logger.Warn("failed to publish rebuild notification", "error", err)
		}
	}

	logger.Info("corpus statistics rebuild complete",
		"version", ev.Version,
		"documents", ev.TotalDocuments,
		"terms", ev.Terms,
	)
	return &ev, top, nil
}
