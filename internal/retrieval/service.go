// Package retrieval runs the hybrid retrieval pipeline: analyze and embed the
// query, fetch vector candidates, score them with BM25, fuse, optionally
// rerank, and return cited passages for answer synthesis.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/hybridrag/internal/analyzer"
	"github.com/knoguchi/hybridrag/internal/bm25"
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/embedder"
	"github.com/knoguchi/hybridrag/internal/fusion"
	"github.com/knoguchi/hybridrag/internal/metrics"
	"github.com/knoguchi/hybridrag/internal/reranker"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
)

// ErrInvalidQuery is returned for empty or oversized queries.
var ErrInvalidQuery = errors.New("invalid query")

// MaxQueryLength is the longest accepted query, in characters.
const MaxQueryLength = 2000

// Extra metadata keys added to every result.
const (
	KeyPassageID  = "passage_id"
	KeyDocumentID = "document_id"
)

// Config holds the retrieval defaults.
type Config struct {
	HybridWeight        float64
	MinBM25Score        float64
	MinVectorScore      float64
	MaxResults          int
	NormalizeScores     bool
	Debug               bool
	RerankEnabled       bool
	RerankTopK          int
	IncludeExplanations bool
	VisualFocus         bool
	CandidateMultiplier int
	MinCandidates       int
	DedupeThreshold     float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HybridWeight:        0.5,
		MaxResults:          5,
		NormalizeScores:     true,
		RerankEnabled:       true,
		RerankTopK:          10,
		CandidateMultiplier: 4,
		MinCandidates:       20,
		DedupeThreshold:     DefaultDedupeThreshold,
	}
}

// VisualOptions describe what a multi-modal query is looking for.
type VisualOptions struct {
	Focus      bool     `json:"focus,omitempty"`
	Types      []string `json:"types,omitempty"`
	MatchedIDs []string `json:"matched_ids,omitempty"`
}

// Request is one retrieval. Zero-valued optional fields fall back to routing and config.
type Request struct {
	Query            string        `json:"query"`
	MaxResults       int           `json:"max_results,omitempty"`
	Category         string        `json:"category,omitempty"`
	PriorityInfoType string        `json:"priority_info_type,omitempty"`
	HybridWeight     *float64      `json:"hybrid_weight,omitempty"`
	Rerank           *bool         `json:"rerank,omitempty"`
	Visual           VisualOptions `json:"visual,omitempty"`
	Debug            bool          `json:"debug,omitempty"`
}

// Result is one passage handed to answer synthesis.
type Result struct {
	Text           string            `json:"text"`
	Source         string            `json:"source"`
	Metadata       map[string]string `json:"metadata"`
	RelevanceScore float64           `json:"relevance_score"`
}

// CandidateDebug exposes per-candidate scores when debugging is on.
type CandidateDebug struct {
	ID            string   `json:"id"`
	VectorScore   float64  `json:"vector_score"`
	BM25Score     float64  `json:"bm25_score"`
	CombinedScore float64  `json:"combined_score"`
	RerankScore   *float64 `json:"rerank_score,omitempty"`
	Explanation   string   `json:"explanation,omitempty"`
}

// Timings are stage durations in milliseconds.
type Timings struct {
	AnalyzeEmbedMS int64 `json:"analyze_embed_ms"`
	SearchMS       int64 `json:"search_ms"`
	ScoreMS        int64 `json:"score_ms"`
	RerankMS       int64 `json:"rerank_ms"`
	TotalMS        int64 `json:"total_ms"`
}

// Response is the outcome of Retrieve.
type Response struct {
	Results        []Result            `json:"results"`
	Parameters     analyzer.Parameters `json:"parameters"`
	Analysis       analyzer.Analysis   `json:"analysis"`
	KeywordQuery   string              `json:"keyword_query"`
	StatsVersion   uint64              `json:"stats_version"`
	StatsAvailable bool                `json:"stats_available"`
	Candidates     int                 `json:"candidates"`
	RerankState    string              `json:"rerank_state,omitempty"`
	RerankOutcome  string              `json:"rerank_outcome,omitempty"`
	Timings        Timings             `json:"timings"`
	Debug          []CandidateDebug    `json:"debug,omitempty"`
}

// QueryAnalyzer classifies queries. *analyzer.Analyzer implements it.
type QueryAnalyzer interface {
	Analyze(ctx context.Context, query string) analyzer.Analysis
}

// Service runs retrievals. It is safe for concurrent use; per-query state
// lives on the stack and the statistics snapshot is read once per query.
type Service struct {
	embedder embedder.Embedder
	vectors  vectorstore.VectorStore
	stats    *corpus.Holder
	analyzer QueryAnalyzer
	reranker reranker.Reranker
	scorer   *bm25.Scorer
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option is a functional option for configuring Service.
type Option func(*Service)

// WithAnalyzer sets the query analyzer. Without one every query gets the default analysis.
func WithAnalyzer(a QueryAnalyzer) Option {
	return func(s *Service) {
		s.analyzer = a
	}
}

// WithReranker sets a reranker. Without one, reranking is skipped.
func WithReranker(r reranker.Reranker) Option {
	return func(s *Service) {
		s.reranker = r
	}
}

// WithScorer overrides the BM25 parameters.
func WithScorer(sc *bm25.Scorer) Option {
	return func(s *Service) {
		if sc != nil {
			s.scorer = sc
		}
	}
}

// WithMetrics records retrieval metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a retrieval service.
func NewService(emb embedder.Embedder, vectors vectorstore.VectorStore, stats *corpus.Holder, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = def.RerankTopK
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = def.CandidateMultiplier
	}
	if cfg.MinCandidates <= 0 {
		cfg.MinCandidates = def.MinCandidates
	}

	s := &Service{
		embedder: emb,
		vectors:  vectors,
		stats:    stats,
		scorer:   bm25.New(),
		cfg:      cfg,
		logger:   slog.Default().With("component", "retrieval"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retrieve returns the ranked passages for req. Only input validation,
// query embedding and vector search failures are returned as errors; every
// ranking-quality failure degrades the ranking instead.
func (s *Service) Retrieve(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := s.retrieve(ctx, req, start)

	switch {
	case err != nil:
		s.metrics.ObserveRetrieval("error", 0, time.Since(start))
	case len(resp.Results) == 0:
		s.metrics.ObserveRetrieval("empty", 0, time.Since(start))
	default:
		s.metrics.ObserveRetrieval("ok", len(resp.Results), time.Since(start))
	}
	return resp, err
}

func (s *Service) retrieve(ctx context.Context, req Request, start time.Time) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return nil, fmt.Errorf("%w: query longer than %d characters", ErrInvalidQuery, MaxQueryLength)
	}
	if req.MaxResults < 0 {
		return nil, fmt.Errorf("%w: max_results must not be negative", ErrInvalidQuery)
	}

	resp := &Response{}

	// Analyze and embed in parallel; only the embedding can fail the request.
	var queryVector []float32
	analysis := analyzer.DefaultAnalysis()
	g, gctx := errgroup.WithContext(ctx)
	if s.analyzer != nil {
		g.Go(func() error {
			analysis = s.analyzer.Analyze(gctx, query)
			return nil
		})
	}
	g.Go(func() error {
		v, err := s.embedder.Embed(gctx, query)
		if err != nil {
			return fmt.Errorf("embedding query: %w", err)
		}
		queryVector = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	resp.Analysis = analysis
	resp.Timings.AnalyzeEmbedMS = time.Since(start).Milliseconds()

	params := s.parameters(query, analysis, req)
	s.metrics.ObserveAnalysis(params.PromptVariant)

	// Vector candidates.
	searchStart := time.Now()
	n := max(params.MaxResults*s.cfg.CandidateMultiplier, s.cfg.MinCandidates)
	filter := vectorstore.Filter{Category: params.CategoryFilter, Levels: params.TechnicalLevelRange}
	hits, err := s.vectors.Search(ctx, queryVector, n, filter)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	if len(hits) == 0 && filter != (vectorstore.Filter{}) && req.Category == "" {
		// The filter came from the analyzer's guess; retry unfiltered.
		s.logger.Debug("routed filter matched nothing, retrying unfiltered", "category", filter.Category)
		hits, err = s.vectors.Search(ctx, queryVector, n, vectorstore.Filter{})
		if err != nil {
			return nil, fmt.Errorf("searching vectors: %w", err)
		}
		params.CategoryFilter = ""
		params.TechnicalLevelRange = nil
	}
	hits = deduplicate(hits, s.cfg.DedupeThreshold)
	resp.Candidates = len(hits)
	resp.Timings.SearchMS = time.Since(searchStart).Milliseconds()

	// Keyword channel against one consistent snapshot.
	scoreStart := time.Now()
	keywordQuery := query
	if params.ExpandQuery {
		keywordQuery = analyzer.ExpandQuery(query, analysis)
	}
	resp.KeywordQuery = keywordQuery

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Passage.Text
	}
	bm25Scores := make([]float64, len(hits))
	if snap, err := s.stats.Current(); err == nil {
		scores, err := s.scorer.ScoreMany(keywordQuery, texts, snap.Stats)
		if err == nil {
			bm25Scores = scores
			resp.StatsAvailable = true
			resp.StatsVersion = snap.Version
		}
	}
	if !resp.StatsAvailable {
		// No statistics: fall back fully to the vector channel.
		params.HybridWeight = 0
	}

	candidates := make([]fusion.Candidate, len(hits))
	for i, h := range hits {
		candidates[i] = fusion.Candidate{
			Passage:     h.Passage,
			VectorScore: h.Score,
			BM25Score:   bm25Scores[i],
			VectorRank:  i + 1,
		}
	}

	keep := params.MaxResults
	if params.Rerank && s.reranker != nil {
		keep = max(keep, s.cfg.RerankTopK)
	}
	explain := s.cfg.IncludeExplanations || s.cfg.Debug || req.Debug
	fused := fusion.Fuse(candidates, fusion.Params{
		HybridWeight:     params.HybridWeight,
		MinBM25Score:     s.cfg.MinBM25Score,
		MinVectorScore:   s.cfg.MinVectorScore,
		NormalizeScores:  s.cfg.NormalizeScores,
		MaxResults:       keep,
		PriorityInfoType: params.PriorityInfoType,
		QueryText:        query,
		Explain:          explain,
	})
	resp.Timings.ScoreMS = time.Since(scoreStart).Milliseconds()

	// Optional rerank of the top K.
	if params.Rerank && s.reranker != nil && len(fused) > 0 {
		rerankStart := time.Now()
		top := fused[:min(len(fused), s.cfg.RerankTopK)]
		rr := s.reranker.Rerank(ctx, query, top, params.MaxResults, reranker.Options{
			IncludeExplanations: explain,
			VisualFocus:         s.cfg.VisualFocus || req.Visual.Focus,
			VisualTypes:         req.Visual.Types,
			MatchedVisualIDs:    req.Visual.MatchedIDs,
		})
		fused = rr.Candidates
		resp.RerankState = rr.State.String()
		resp.RerankOutcome = rr.Outcome.String()
		resp.Timings.RerankMS = time.Since(rerankStart).Milliseconds()
	} else {
		params.Rerank = false
	}
	if len(fused) > params.MaxResults {
		fused = fused[:params.MaxResults]
	}

	resp.Parameters = params
	resp.Results = toResults(fused)
	if s.cfg.Debug || req.Debug {
		resp.Debug = toDebug(fused)
	}
	resp.Timings.TotalMS = time.Since(start).Milliseconds()

	s.logger.Debug("retrieval complete",
		"variant", params.PromptVariant,
		"hybrid_weight", params.HybridWeight,
		"candidates", resp.Candidates,
		"results", len(resp.Results),
		"stats_version", resp.StatsVersion,
		"rerank_state", resp.RerankState,
		"duration", time.Since(start),
	)
	return resp, nil
}

// parameters routes the query and applies request overrides.
func (s *Service) parameters(query string, a analyzer.Analysis, req Request) analyzer.Parameters {
	p := analyzer.Route(query, a, analyzer.Defaults{
		HybridWeight:  s.cfg.HybridWeight,
		MaxResults:    s.cfg.MaxResults,
		RerankEnabled: s.cfg.RerankEnabled,
	})
	if req.MaxResults > 0 {
		p.MaxResults = req.MaxResults
	}
	if req.Category != "" {
		p.CategoryFilter = req.Category
	}
	if req.PriorityInfoType != "" {
		p.PriorityInfoType = req.PriorityInfoType
	}
	if req.HybridWeight != nil && *req.HybridWeight >= 0 && *req.HybridWeight <= 1 {
		p.HybridWeight = *req.HybridWeight
	}
	if req.Rerank != nil {
		p.Rerank = *req.Rerank
	}
	return p
}

func toResults(cs []fusion.Candidate) []Result {
	out := make([]Result, len(cs))
	for i, c := range cs {
		md := c.Passage.Metadata.ToMap()
		md[KeyPassageID] = c.Passage.ID
		if c.Passage.DocumentID != "" {
			md[KeyDocumentID] = c.Passage.DocumentID
		}
		source := c.Passage.Metadata.Source
		if source == "" {
			source = c.Passage.DocumentID
		}
		out[i] = Result{
			Text:           c.Passage.Text,
			Source:         source,
			Metadata:       md,
			RelevanceScore: c.CombinedScore,
		}
	}
	return out
}

func toDebug(cs []fusion.Candidate) []CandidateDebug {
	out := make([]CandidateDebug, len(cs))
	for i, c := range cs {
		out[i] = CandidateDebug{
			ID:            c.Passage.ID,
			VectorScore:   c.VectorScore,
			BM25Score:     c.BM25Score,
			CombinedScore: c.CombinedScore,
			RerankScore:   c.RerankScore,
			Explanation:   c.Explanation,
		}
	}
	return out
}
