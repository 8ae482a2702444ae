package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/hybridrag/internal/config"
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/reranker"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
)

type lengthEmbedder struct {
	err error
}

func (e lengthEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, e.err
}

func (e lengthEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (lengthEmbedder) Dimension() int    { return 2 }
func (lengthEmbedder) ModelName() string { return "length" }

func TestSyncVectors(t *testing.T) {
	repo := repository.SlicePassages{
		{ID: "a", Text: "short"},
		{ID: "b", Text: "a little longer"},
		{ID: "c", Text: "the longest passage of all"},
	}
	store := vectorstore.NewMemoryStore()

	n, err := SyncVectors(context.Background(), repo, lengthEmbedder{}, store, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, store.Len())

	results, err := store.Search(context.Background(), []float32{5, 1}, 1, vectorstore.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSyncVectors_EmbedError(t *testing.T) {
	repo := repository.SlicePassages{{ID: "a", Text: "short"}}

	_, err := SyncVectors(context.Background(), repo, lengthEmbedder{err: errors.New("ollama down")}, vectorstore.NewMemoryStore(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama down")
}

func TestNewRebuildJob(t *testing.T) {
	cfg := &config.Config{RebuildBatchSize: 1}
	repo := repository.SlicePassages{
		{ID: "a", Text: "enterprise pricing plans"},
		{ID: "b", Text: "pricing for teams"},
	}
	store := corpus.NewMemoryStore()
	holder := corpus.NewHolder()

	job, closeJob, err := NewRebuildJob(cfg, repo, store, holder, "test")
	require.NoError(t, err)
	defer closeJob()

	ev, top, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.TotalDocuments)
	assert.NotEmpty(t, top)
	assert.Equal(t, uint64(1), holder.Version())

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), saved.DocumentFrequency["pricing"])
}

func TestNewRebuildJob_MissingBoostFile(t *testing.T) {
	cfg := &config.Config{CorpusBoostFile: "/nonexistent/boost.yaml"}
	_, _, err := NewRebuildJob(cfg, repository.SlicePassages{}, corpus.NewMemoryStore(), nil, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boost list")
}

func TestRetrievalConfig(t *testing.T) {
	cfg := &config.Config{
		HybridWeight:        0.4,
		MaxResults:          7,
		NormalizeScores:     true,
		RerankEnabled:       false,
		RerankTopK:          12,
		CandidateMultiplier: 3,
		DedupeThreshold:     0.8,
		IncludeExplanations: true,
	}
	rc := RetrievalConfig(cfg)
	assert.Equal(t, 0.4, rc.HybridWeight)
	assert.Equal(t, 7, rc.MaxResults)
	assert.False(t, rc.RerankEnabled)
	assert.Equal(t, 12, rc.RerankTopK)
	assert.Equal(t, 3, rc.CandidateMultiplier)
	assert.Equal(t, 0.8, rc.DedupeThreshold)
	assert.True(t, rc.IncludeExplanations)
	assert.Equal(t, 20, rc.MinCandidates)
}

func TestNewReranker(t *testing.T) {
	cfg := &config.Config{RerankProvider: "heuristic"}
	_, ok := NewReranker(cfg, nil, nil).(reranker.HeuristicReranker)
	assert.True(t, ok)

	cfg = &config.Config{RerankProvider: "ollama", OllamaLLMModel: "llama3.2"}
	_, ok = NewReranker(cfg, nil, nil).(*reranker.LLMReranker)
	assert.True(t, ok)
}

func TestInstanceID(t *testing.T) {
	a, b := InstanceID(), InstanceID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(a, "-"))
}

func TestNewLogger(t *testing.T) {
	assert.True(t, NewLogger("debug").Enabled(context.Background(), -4))
	assert.False(t, NewLogger("warn").Enabled(context.Background(), 0))
	assert.True(t, NewLogger("bogus").Enabled(context.Background(), 0))
}
