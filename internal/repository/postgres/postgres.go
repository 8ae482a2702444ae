// Package postgres stores passages and corpus statistics in PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Schema creates the passage and statistics tables when they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS document_chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL DEFAULT 0,
	content     TEXT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks (document_id, chunk_index);

CREATE TABLE IF NOT EXISTS term_frequencies (
	term      TEXT PRIMARY KEY,
	frequency BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS document_frequencies (
	term      TEXT PRIMARY KEY,
	frequency BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS corpus_metadata (
	id                      SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	total_documents         BIGINT NOT NULL,
	average_document_length DOUBLE PRECISION NOT NULL,
	built_at                TIMESTAMPTZ NOT NULL
);
`

// Migrate applies Schema.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
