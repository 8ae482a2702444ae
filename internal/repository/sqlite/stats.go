// Package sqlite keeps corpus statistics in a local SQLite file, for
// single-node deployments and operator tooling without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/knoguchi/hybridrag/internal/corpus"
)

const schema = `
CREATE TABLE IF NOT EXISTS term_frequencies (
	term      TEXT PRIMARY KEY,
	frequency INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS document_frequencies (
	term      TEXT PRIMARY KEY,
	frequency INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS corpus_metadata (
	id                      INTEGER PRIMARY KEY CHECK (id = 1),
	total_documents         INTEGER NOT NULL,
	average_document_length REAL NOT NULL,
	built_at                TEXT NOT NULL
);
`

// StatsRepo implements corpus.Store on SQLite.
type StatsRepo struct {
	db *sql.DB

	// afterMetadata, when set, runs between the metadata read and the
	// frequency reads of Load. Tests use it to commit a concurrent Save.
	afterMetadata func()
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*StatsRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; readers see the last committed rebuild.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &StatsRepo{db: db}, nil
}

// Close closes the underlying database.
func (r *StatsRepo) Close() error {
	return r.db.Close()
}

// Save implements corpus.Store. All three tables are replaced in one transaction.
func (r *StatsRepo) Save(ctx context.Context, stats *corpus.Statistics) error {
	if err := stats.Validate(); err != nil {
		return fmt.Errorf("refusing to save statistics: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"term_frequencies", "document_frequencies", "corpus_metadata"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := insertFrequencies(ctx, tx, "term_frequencies", stats.TermFrequency); err != nil {
		return err
	}
	if err := insertFrequencies(ctx, tx, "document_frequencies", stats.DocumentFrequency); err != nil {
		return err
	}

	builtAt := stats.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO corpus_metadata (id, total_documents, average_document_length, built_at) VALUES (1, ?, ?, ?)`,
		int64(stats.TotalDocuments), stats.AverageDocumentLength, builtAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert corpus metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertFrequencies(ctx context.Context, tx *sql.Tx, table string, freqs map[string]uint64) error {
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+table+" (term, frequency) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare %s: %w", table, err)
	}
	defer stmt.Close()

	for term, freq := range freqs {
		if _, err := stmt.ExecContext(ctx, term, int64(freq)); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// Load implements corpus.Store. The three reads share one transaction; in
// WAL mode that pins a single snapshot, so a Save committed by another
// connection mid-load is either fully visible or not at all.
func (r *StatsRepo) Load(ctx context.Context) (*corpus.Statistics, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		total   int64
		avg     float64
		builtAt string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT total_documents, average_document_length, built_at FROM corpus_metadata WHERE id = 1`,
	).Scan(&total, &avg, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, corpus.ErrStatsUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("load corpus metadata: %w", err)
	}
	if total <= 0 {
		return nil, corpus.ErrStatsUnavailable
	}
	if r.afterMetadata != nil {
		r.afterMetadata()
	}

	stats := &corpus.Statistics{
		TotalDocuments:        uint64(total),
		AverageDocumentLength: avg,
	}
	if t, err := time.Parse(time.RFC3339Nano, builtAt); err == nil {
		stats.BuiltAt = t
	}
	if stats.TermFrequency, err = loadFrequencies(ctx, tx, "term_frequencies"); err != nil {
		return nil, err
	}
	if stats.DocumentFrequency, err = loadFrequencies(ctx, tx, "document_frequencies"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

func loadFrequencies(ctx context.Context, tx *sql.Tx, table string) (map[string]uint64, error) {
	rows, err := tx.QueryContext(ctx, "SELECT term, frequency FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var term string
		var freq int64
		if err := rows.Scan(&term, &freq); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out[term] = uint64(freq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return out, nil
}

var _ corpus.Store = (*StatsRepo)(nil)
