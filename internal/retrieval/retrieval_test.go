package retrieval

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/hybridrag/internal/analyzer"
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/fusion"
	"github.com/knoguchi/hybridrag/internal/metrics"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/reranker"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
)

const hashDims = 256

// hashEmbedder is a bag-of-words embedder: each token increments one hashed dimension.
type hashEmbedder struct {
	err error
}

func (h hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	v := make([]float32, hashDims)
	for _, tok := range corpus.Tokenize(text) {
		f := fnv.New32a()
		f.Write([]byte(tok))
		v[f.Sum32()%hashDims]++
	}
	return v, nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (hashEmbedder) Dimension() int    { return hashDims }
func (hashEmbedder) ModelName() string { return "hash" }

type failingStore struct{}

func (failingStore) Search(ctx context.Context, vector []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) Upsert(ctx context.Context, passages []repository.Passage) error {
	return nil
}

type staticAnalyzer analyzer.Analysis

func (s staticAnalyzer) Analyze(ctx context.Context, query string) analyzer.Analysis {
	return analyzer.Analysis(s)
}

// reversingReranker reverses its input and records what it was given.
type reversingReranker struct {
	got   int
	limit int
}

func (r *reversingReranker) Rerank(ctx context.Context, query string, candidates []fusion.Candidate, limit int, opts reranker.Options) reranker.Result {
	r.got = len(candidates)
	r.limit = limit
	out := make([]fusion.Candidate, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		out = append(out, candidates[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return reranker.Result{Candidates: out, State: reranker.StateApplied, Outcome: reranker.StateSuccess, Strategy: "text"}
}

func fixturePassages() repository.SlicePassages {
	return repository.SlicePassages{
		{
			ID:         "pricing-1",
			DocumentID: "doc-pricing",
			Text:       "Enterprise plan pricing: the enterprise plan costs $50 per user per month, billed annually.",
			Metadata: repository.PassageMetadata{
				Source:         "https://example.com/pricing",
				Category:       "pricing",
				StructuredInfo: true,
				InfoTypes:      []string{"pricing"},
				Authoritative:  true,
			},
		},
		{
			ID:         "api-1",
			DocumentID: "doc-api",
			Text:       "Authenticate API requests with OAuth 2.0 bearer tokens. Request an access token from the token endpoint.",
			Metadata: repository.PassageMetadata{
				Source:         "https://example.com/docs/api/auth",
				Category:       "api-documentation",
				TechnicalLevel: 3,
				StructuredInfo: true,
			},
		},
		{
			ID:         "about-1",
			DocumentID: "doc-about",
			Text:       "Acme builds collaboration software for distributed teams and was founded in 2012.",
			Metadata: repository.PassageMetadata{
				Source:   "https://example.com/about",
				Category: "company-info",
			},
		},
		{
			ID:         "jobs-1",
			DocumentID: "doc-jobs",
			Text:       "We are hiring a senior backend engineer to work on our API platform.",
			Metadata: repository.PassageMetadata{
				Source:   "https://example.com/careers",
				Category: "job-posting",
			},
		},
		{
			ID:         "team-1",
			DocumentID: "doc-team",
			Text:       "Jane Doe is the chief executive officer and leads the executive team.",
			Metadata: repository.PassageMetadata{
				Source:    "https://example.com/team",
				Category:  "company-info",
				InfoTypes: []string{"leadership"},
			},
		},
	}
}

func embedAll(t *testing.T, passages repository.SlicePassages) repository.SlicePassages {
	t.Helper()
	out := make(repository.SlicePassages, len(passages))
	for i, p := range passages {
		v, err := hashEmbedder{}.Embed(context.Background(), p.Text)
		require.NoError(t, err)
		p.Embedding = v
		out[i] = p
	}
	return out
}

type fixture struct {
	passages repository.SlicePassages
	vectors  *vectorstore.MemoryStore
	holder   *corpus.Holder
}

func newFixture(t *testing.T, passages repository.SlicePassages, withStats bool) fixture {
	t.Helper()
	ctx := context.Background()
	passages = embedAll(t, passages)

	vectors := vectorstore.NewMemoryStore()
	require.NoError(t, vectors.Load(ctx, passages))

	holder := corpus.NewHolder()
	if withStats {
		stats, err := corpus.NewBuilder().Rebuild(ctx, passages)
		require.NoError(t, err)
		holder.Swap(stats)
	}
	return fixture{passages: passages, vectors: vectors, holder: holder}
}

func TestRetrieve_PricingQuery(t *testing.T) {
	f := newFixture(t, fixturePassages(), true)
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, DefaultConfig(), WithMetrics(metrics.New()))

	resp, err := svc.Retrieve(context.Background(), Request{Query: "How much does the enterprise plan cost?"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	top := resp.Results[0]
	assert.Equal(t, "pricing-1", top.Metadata[KeyPassageID])
	assert.Equal(t, "doc-pricing", top.Metadata[KeyDocumentID])
	assert.Equal(t, "https://example.com/pricing", top.Source)
	assert.Equal(t, analyzer.PromptPricing, resp.Parameters.PromptVariant)
	assert.Equal(t, analyzer.WeightKeywordLeaning, resp.Parameters.HybridWeight)
	assert.Equal(t, "pricing", resp.Parameters.PriorityInfoType)
	assert.True(t, resp.StatsAvailable)
	assert.Equal(t, uint64(1), resp.StatsVersion)
	assert.LessOrEqual(t, len(resp.Results), DefaultConfig().MaxResults)
}

func TestRetrieve_TechnicalQuery(t *testing.T) {
	f := newFixture(t, fixturePassages(), true)
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, DefaultConfig())

	resp, err := svc.Retrieve(context.Background(), Request{Query: "How do I authenticate API requests with OAuth tokens?"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	assert.Equal(t, "api-1", resp.Results[0].Metadata[KeyPassageID])
	assert.Equal(t, analyzer.PromptTechnical, resp.Parameters.PromptVariant)
	assert.Equal(t, "3", resp.Results[0].Metadata[repository.KeyTechnicalLevel])

	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].RelevanceScore, resp.Results[i].RelevanceScore)
	}
}

// fivePassageCorpus is a small mixed corpus: two topical passages, one
// neighbouring technical topic and two general passages.
func fivePassageCorpus() repository.SlicePassages {
	return repository.SlicePassages{
		{
			ID:   "enterprise-pricing",
			Text: "Enterprise pricing for business customers: enterprise customers pay $45 per seat per month, billed annually, with volume discounts above 500 seats.",
			Metadata: repository.PassageMetadata{
				Category:  "pricing",
				InfoTypes: []string{"pricing"},
			},
		},
		{
			ID:   "api-oauth",
			Text: "To use the API with OAuth, register a client, request an OAuth access token and send it in the Authorization header of every API call.",
			Metadata: repository.PassageMetadata{
				Category:       "api-documentation",
				TechnicalLevel: 3,
			},
		},
		{
			ID:   "performance-analytics",
			Text: "Performance analytics dashboards chart response latency, error rates and throughput per service over time.",
			Metadata: repository.PassageMetadata{
				Category:       "product-info",
				TechnicalLevel: 2,
			},
		},
		{
			ID:   "general-history",
			Text: "Acme was founded in 2012 and now has offices in Berlin, Austin and Singapore.",
			Metadata: repository.PassageMetadata{
				Category: "company-info",
			},
		},
		{
			ID:   "general-culture",
			Text: "Our team values open communication, weekly demos and a healthy work-life balance.",
			Metadata: repository.PassageMetadata{
				Category: "company-info",
			},
		},
	}
}

func TestRetrieve_FivePassageCorpus(t *testing.T) {
	f := newFixture(t, fivePassageCorpus(), true)
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, DefaultConfig())

	tests := []struct {
		query string
		want  string
	}{
		{query: "What's the pricing for enterprise customers?", want: "enterprise-pricing"},
		{query: "How do I use the API with OAuth?", want: "api-oauth"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := svc.Retrieve(context.Background(), Request{Query: tt.query})
			require.NoError(t, err)
			require.NotEmpty(t, resp.Results)
			assert.True(t, resp.StatsAvailable)
			assert.Equal(t, tt.want, resp.Results[0].Metadata[KeyPassageID])
		})
	}
}

func TestRetrieve_NoStatisticsFallsBackToVectorChannel(t *testing.T) {
	plain := repository.SlicePassages{
		{ID: "a", Text: "rotate the signing keys every ninety days"},
		{ID: "b", Text: "the office is closed on public holidays"},
		{ID: "c", Text: "signing keys are stored in the vault"},
	}
	f := newFixture(t, plain, false)
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, DefaultConfig())

	query := "where are signing keys stored"
	resp, err := svc.Retrieve(context.Background(), Request{Query: query, Debug: true})
	require.NoError(t, err)

	assert.False(t, resp.StatsAvailable)
	assert.Zero(t, resp.Parameters.HybridWeight)
	require.NotEmpty(t, resp.Results)

	qv, err := hashEmbedder{}.Embed(context.Background(), query)
	require.NoError(t, err)
	byID := make(map[string]repository.Passage)
	for _, p := range f.passages {
		byID[p.ID] = p
	}
	for _, r := range resp.Results {
		p := byID[r.Metadata[KeyPassageID]]
		want := vectorstore.CosineSimilarity(qv, p.Embedding)
		assert.InDelta(t, want, r.RelevanceScore, 1e-9, "passage %s", p.ID)
	}
	for _, d := range resp.Debug {
		assert.Zero(t, d.BM25Score)
	}
	assert.Equal(t, "c", resp.Results[0].Metadata[KeyPassageID])
}

func TestRetrieve_EmptyStore(t *testing.T) {
	svc := NewService(hashEmbedder{}, vectorstore.NewMemoryStore(), corpus.NewHolder(), DefaultConfig())

	resp, err := svc.Retrieve(context.Background(), Request{Query: "anything at all"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.Candidates)
}

func TestRetrieve_InvalidQuery(t *testing.T) {
	svc := NewService(hashEmbedder{}, vectorstore.NewMemoryStore(), corpus.NewHolder(), DefaultConfig())

	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{Query: ""}},
		{"whitespace", Request{Query: "   \t\n"}},
		{"negative max results", Request{Query: "pricing", MaxResults: -1}},
		{"too long", Request{Query: strings.Repeat("a", MaxQueryLength+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Retrieve(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}

func TestRetrieve_EmbeddingError(t *testing.T) {
	f := newFixture(t, fixturePassages(), true)
	svc := NewService(hashEmbedder{err: errors.New("model not loaded")}, f.vectors, f.holder, DefaultConfig())

	_, err := svc.Retrieve(context.Background(), Request{Query: "enterprise pricing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding query")
	assert.NotErrorIs(t, err, ErrInvalidQuery)
}

func TestRetrieve_SearchError(t *testing.T) {
	svc := NewService(hashEmbedder{}, failingStore{}, corpus.NewHolder(), DefaultConfig())

	_, err := svc.Retrieve(context.Background(), Request{Query: "enterprise pricing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "searching vectors")
}

func TestRetrieve_RoutedFilterRetriesUnfiltered(t *testing.T) {
	f := newFixture(t, fixturePassages(), true)
	a := staticAnalyzer(analyzer.Analysis{
		Intent:              analyzer.IntentFactual,
		Entities:            []analyzer.Entity{},
		SuggestedCategories: []string{"no-such-category"},
		Confidence:          0.9,
	})
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, DefaultConfig(), WithAnalyzer(a))

	resp, err := svc.Retrieve(context.Background(), Request{Query: "who founded the company"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.Empty(t, resp.Parameters.CategoryFilter)
}

func TestRetrieve_ExplicitCategoryIsNotRelaxed(t *testing.T) {
	f := newFixture(t, fixturePassages(), true)
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, DefaultConfig())

	resp, err := svc.Retrieve(context.Background(), Request{Query: "who founded the company", Category: "no-such-category"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	resp, err = svc.Retrieve(context.Background(), Request{Query: "who founded the company", Category: "company-info"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Equal(t, "company-info", r.Metadata[repository.KeyCategory])
	}
}

func TestRetrieve_RequestOverrides(t *testing.T) {
	f := newFixture(t, fixturePassages(), true)
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, DefaultConfig())

	w := 0.0
	resp, err := svc.Retrieve(context.Background(), Request{
		Query:        "enterprise plan cost",
		MaxResults:   2,
		HybridWeight: &w,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Zero(t, resp.Parameters.HybridWeight)
	assert.Equal(t, 2, resp.Parameters.MaxResults)

	bad := 1.5
	resp, err = svc.Retrieve(context.Background(), Request{Query: "enterprise plan cost", HybridWeight: &bad})
	require.NoError(t, err)
	assert.Equal(t, analyzer.WeightKeywordLeaning, resp.Parameters.HybridWeight)
}

func TestRetrieve_RerankTopK(t *testing.T) {
	f := newFixture(t, fixturePassages(), true)
	rr := &reversingReranker{}
	cfg := DefaultConfig()
	cfg.RerankTopK = 4
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, cfg, WithReranker(rr))

	resp, err := svc.Retrieve(context.Background(), Request{Query: "enterprise plan cost", MaxResults: 2})
	require.NoError(t, err)

	assert.Equal(t, 4, rr.got)
	assert.Equal(t, 2, rr.limit)
	assert.Len(t, resp.Results, 2)
	assert.True(t, resp.Parameters.Rerank)
	assert.Equal(t, reranker.StateApplied.String(), resp.RerankState)
	assert.NotEqual(t, "pricing-1", resp.Results[0].Metadata[KeyPassageID])

	off := false
	rr.got = 0
	resp, err = svc.Retrieve(context.Background(), Request{Query: "enterprise plan cost", Rerank: &off})
	require.NoError(t, err)
	assert.Zero(t, rr.got)
	assert.Empty(t, resp.RerankState)
	assert.Equal(t, "pricing-1", resp.Results[0].Metadata[KeyPassageID])
}

func TestRetrieve_SingleTokenQueryExpandsKeywords(t *testing.T) {
	f := newFixture(t, fixturePassages(), true)
	a := staticAnalyzer(analyzer.Analysis{
		Intent:              analyzer.IntentFactual,
		Entities:            []analyzer.Entity{{Text: "OAuth", Type: "technology"}},
		SuggestedCategories: []string{},
		Confidence:          0.5,
	})
	svc := NewService(hashEmbedder{}, f.vectors, f.holder, DefaultConfig(), WithAnalyzer(a))

	resp, err := svc.Retrieve(context.Background(), Request{Query: "authentication"})
	require.NoError(t, err)
	assert.True(t, resp.Parameters.ExpandQuery)
	assert.Contains(t, resp.KeywordQuery, "OAuth")
}

func TestDeduplicate(t *testing.T) {
	mk := func(id, text string, score float64) vectorstore.SearchResult {
		return vectorstore.SearchResult{Passage: repository.Passage{ID: id, Text: text}, Score: score}
	}
	results := []vectorstore.SearchResult{
		mk("a", "the enterprise plan costs fifty dollars per user", 0.9),
		mk("b", "The enterprise plan costs fifty dollars per user!", 0.8),
		mk("c", "oauth tokens authenticate api requests", 0.7),
	}

	kept := deduplicate(results, DefaultDedupeThreshold)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].Passage.ID)
	assert.Equal(t, "c", kept[1].Passage.ID)

	assert.Len(t, deduplicate(results, 0), 3)
	assert.Len(t, deduplicate(results[:1], DefaultDedupeThreshold), 1)
}

func TestJaccardSimilarity(t *testing.T) {
	set := func(words ...string) map[string]struct{} {
		m := make(map[string]struct{})
		for _, w := range words {
			m[w] = struct{}{}
		}
		return m
	}

	assert.Equal(t, 1.0, jaccardSimilarity(set(), set()))
	assert.Equal(t, 0.0, jaccardSimilarity(set("a"), set()))
	assert.Equal(t, 1.0, jaccardSimilarity(set("a", "b"), set("b", "a")))
	assert.True(t, math.Abs(jaccardSimilarity(set("a", "b", "c"), set("b", "c", "d"))-0.5) < 1e-12)
}
