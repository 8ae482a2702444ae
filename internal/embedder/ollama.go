package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/hybridrag/internal/resilience"
)

const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultOllamaModel   = "nomic-embed-text"

	// DefaultOllamaDimension is used for models missing from KnownDimensions.
	DefaultOllamaDimension = 768

	// DefaultBatchSize is the number of texts sent in one /api/embed call.
	DefaultBatchSize = 32

	// DefaultBatchConcurrency is the number of /api/embed calls in flight during EmbedBatch.
	DefaultBatchConcurrency = 4

	DefaultEmbedTimeout = 30 * time.Second
)

// ErrDimensionMismatch is returned when the model answers with vectors of a
// different size than the index expects.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// APIError is a non-200 answer from the Ollama API.
type APIError struct {
	Model      string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ollama embed %s: status %d: %s", e.Model, e.StatusCode, e.Body)
}

// OllamaConfig holds configuration for the Ollama embedder.
type OllamaConfig struct {
	BaseURL string
	Model   string

	// Dimension is the vector size the index was built with. Zero looks it up
	// from the model name.
	Dimension int

	BatchSize        int
	BatchConcurrency int

	// Breaker guards the Ollama endpoint. Nil disables it.
	Breaker *resilience.Breaker

	HTTPClient *http.Client
}

// OllamaEmbedder embeds text with Ollama's /api/embed endpoint, which takes a
// list of inputs per call.
type OllamaEmbedder struct {
	endpoint    string
	model       string
	dimension   int
	batchSize   int
	concurrency int
	breaker     *resilience.Breaker
	client      *http.Client
}

type embedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// NewOllamaEmbedder creates an OllamaEmbedder, filling in defaults for zero values.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DimensionFor(cfg.Model, DefaultOllamaDimension)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultEmbedTimeout}
	}
	return &OllamaEmbedder{
		endpoint:    strings.TrimSuffix(cfg.BaseURL, "/") + "/api/embed",
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.BatchConcurrency,
		breaker:     cfg.Breaker,
		client:      cfg.HTTPClient,
	}
}

// Embed embeds a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits texts into chunks of BatchSize and embeds up to
// BatchConcurrency chunks at a time. Output order matches input order.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.call(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("failed to embed texts %d-%d: %w", start, end-1, err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *OllamaEmbedder) call(ctx context.Context, inputs []string) ([][]float32, error) {
	if e.breaker == nil {
		return e.post(ctx, inputs)
	}
	var out [][]float32
	err := e.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.post(ctx, inputs)
		return err
	})
	return out, err
}

func (e *OllamaEmbedder) post(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Model: e.model, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(decoded.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(decoded.Embeddings), len(inputs))
	}

	out := make([][]float32, len(decoded.Embeddings))
	for i, raw := range decoded.Embeddings {
		if len(raw) != e.dimension {
			return nil, fmt.Errorf("%w: model %s returned %d, want %d", ErrDimensionMismatch, e.model, len(raw), e.dimension)
		}
		v := make([]float32, len(raw))
		for j, x := range raw {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}

// Dimension returns the vector size the embedder enforces.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

var _ Embedder = (*OllamaEmbedder)(nil)
