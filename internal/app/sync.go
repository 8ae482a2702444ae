package app

import (
	"context"
	"fmt"

	"github.com/knoguchi/hybridrag/internal/embedder"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
)

// SyncVectors embeds every passage in repo and upserts it into store,
// batch by batch. It returns the number of passages written.
func SyncVectors(ctx context.Context, repo repository.PassageRepository, emb embedder.Embedder, store vectorstore.VectorStore, batchSize int) (int, error) {
	var written int
	err := repo.Iterate(ctx, batchSize, func(batch []repository.Passage) error {
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Text
		}
		vectors, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d passages", len(vectors), len(batch))
		}

		out := make([]repository.Passage, len(batch))
		for i, p := range batch {
			p.Embedding = vectors[i]
			out[i] = p
		}
		if err := store.Upsert(ctx, out); err != nil {
			return fmt.Errorf("upserting batch: %w", err)
		}
		written += len(out)
		return nil
	})
	return written, err
}
