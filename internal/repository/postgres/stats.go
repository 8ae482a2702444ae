package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/hybridrag/internal/corpus"
)

// txStarter is satisfied by *pgxpool.Pool.
type txStarter interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// loadTxOptions gives Load one snapshot across all three tables.
var loadTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// StatsRepo implements corpus.Store over the term_frequencies,
// document_frequencies and corpus_metadata tables.
type StatsRepo struct {
	pool txStarter
}

// NewStatsRepo creates a new statistics repository
func NewStatsRepo(db *DB) *StatsRepo {
	return &StatsRepo{pool: db.Pool}
}

// Save replaces all three tables inside one transaction, so readers of the
// database never see a mix of two rebuilds. Rows are removed with DELETE:
// TRUNCATE is not MVCC-safe and would show an older Load snapshot empty tables.
func (r *StatsRepo) Save(ctx context.Context, stats *corpus.Statistics) error {
	if err := stats.Validate(); err != nil {
		return fmt.Errorf("refusing to save statistics: %w", err)
	}

	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, table := range []string{"term_frequencies", "document_frequencies", "corpus_metadata"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+pgx.Identifier{table}.Sanitize()); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"term_frequencies"}, []string{"term", "frequency"},
			frequencyRows(stats.TermFrequency)); err != nil {
			return fmt.Errorf("failed to copy term frequencies: %w", err)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"document_frequencies"}, []string{"term", "frequency"},
			frequencyRows(stats.DocumentFrequency)); err != nil {
			return fmt.Errorf("failed to copy document frequencies: %w", err)
		}

		builtAt := stats.BuiltAt
		if builtAt.IsZero() {
			builtAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO corpus_metadata (id, total_documents, average_document_length, built_at)
			VALUES (1, $1, $2, $3)
		`, int64(stats.TotalDocuments), stats.AverageDocumentLength, builtAt)
		if err != nil {
			return fmt.Errorf("failed to save corpus metadata: %w", err)
		}
		return nil
	})
}

// Load reads the saved statistics in one read-only repeatable-read
// transaction, so a concurrent Save is either fully visible or not at all.
// It returns corpus.ErrStatsUnavailable when no rebuild was ever saved.
func (r *StatsRepo) Load(ctx context.Context) (*corpus.Statistics, error) {
	var stats *corpus.Statistics
	err := pgx.BeginTxFunc(ctx, r.pool, loadTxOptions, func(tx pgx.Tx) error {
		var err error
		stats, err = loadStats(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func loadStats(ctx context.Context, tx pgx.Tx) (*corpus.Statistics, error) {
	stats := &corpus.Statistics{}

	var total int64
	err := tx.QueryRow(ctx, `
		SELECT total_documents, average_document_length, built_at
		FROM corpus_metadata
		WHERE id = 1
	`).Scan(&total, &stats.AverageDocumentLength, &stats.BuiltAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corpus.ErrStatsUnavailable
		}
		return nil, fmt.Errorf("failed to load corpus metadata: %w", err)
	}
	if total <= 0 {
		return nil, corpus.ErrStatsUnavailable
	}
	stats.TotalDocuments = uint64(total)

	if stats.TermFrequency, err = loadFrequencies(ctx, tx, "term_frequencies"); err != nil {
		return nil, err
	}
	if stats.DocumentFrequency, err = loadFrequencies(ctx, tx, "document_frequencies"); err != nil {
		return nil, err
	}
	return stats, nil
}

func loadFrequencies(ctx context.Context, tx pgx.Tx, table string) (map[string]uint64, error) {
	rows, err := tx.Query(ctx, `SELECT term, frequency FROM `+pgx.Identifier{table}.Sanitize())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var term string
		var freq int64
		if err := rows.Scan(&term, &freq); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		out[term] = uint64(freq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	return out, nil
}

func frequencyRows(m map[string]uint64) pgx.CopyFromSource {
	rows := make([][]any, 0, len(m))
	for term, freq := range m {
		rows = append(rows, []any{term, int64(freq)})
	}
	return pgx.CopyFromRows(rows)
}

// Ensure StatsRepo implements the interface
var _ corpus.Store = (*StatsRepo)(nil)
