package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/hybridrag/internal/repository"
)

// PassageRepo reads and writes indexed passages in document_chunks.
// Embeddings live in the vector store, not here.
type PassageRepo struct {
	db *DB
}

// NewPassageRepo creates a new passage repository
func NewPassageRepo(db *DB) *PassageRepo {
	return &PassageRepo{db: db}
}

// Iterate implements repository.PassageRepository with keyset pagination on id.
func (r *PassageRepo) Iterate(ctx context.Context, batchSize int, fn func(batch []repository.Passage) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	after := ""
	for {
		batch, err := r.page(ctx, after, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

func (r *PassageRepo) page(ctx context.Context, after string, limit int) ([]repository.Passage, error) {
	query := `
		SELECT id, document_id, content, metadata
		FROM document_chunks
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	batch := make([]repository.Passage, 0, limit)
	for rows.Next() {
		var p repository.Passage
		var metadataJSON []byte
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Text, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan passage: %w", err)
		}
		md := make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &md); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for %s: %w", p.ID, err)
		}
		p.Metadata = repository.MetadataFromMap(md)
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read passages: %w", err)
	}
	return batch, nil
}

// Count implements repository.PassageRepository.
func (r *PassageRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM document_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count passages: %w", err)
	}
	return n, nil
}

// Upsert writes passages in one batch, replacing rows with the same id.
func (r *PassageRepo) Upsert(ctx context.Context, passages []repository.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, p := range passages {
		metadataJSON, err := json.Marshal(p.Metadata.ToMap())
		if err != nil {
			return fmt.Errorf("failed to marshal passage metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO document_chunks (id, document_id, chunk_index, content, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET document_id = EXCLUDED.document_id, content = EXCLUDED.content, metadata = EXCLUDED.metadata
		`, p.ID, p.DocumentID, i, p.Text, metadataJSON)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range passages {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert passage: %w", err)
		}
	}
	return nil
}

// Ensure PassageRepo implements the interface
var _ repository.PassageRepository = (*PassageRepo)(nil)
