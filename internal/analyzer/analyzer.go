// Package analyzer classifies queries with the structured LLM service and
// routes them to retrieval parameters.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/knoguchi/hybridrag/internal/cache"
	"github.com/knoguchi/hybridrag/internal/llm"
	"github.com/knoguchi/hybridrag/internal/repository"
)

// Intent is the coarse query class.
type Intent string

const (
	IntentFactual    Intent = "factual"
	IntentTechnical  Intent = "technical"
	IntentComparison Intent = "comparison"
	IntentOverview   Intent = "overview"
)

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentFactual, IntentTechnical, IntentComparison, IntentOverview:
		return true
	}
	return false
}

// Output bounds applied to every analysis.
const (
	MaxEntities     = 10
	MaxCategories   = 5
	MaxContentTypes = 5
)

// Entity is a named thing mentioned in the query.
type Entity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// Analysis is the validated result of classifying one query.
type Analysis struct {
	Intent               Intent                 `json:"intent"`
	Entities             []Entity               `json:"entities"`
	SuggestedCategories  []string               `json:"suggested_categories"`
	TechnicalLevelRange  *repository.LevelRange `json:"technical_level_range,omitempty"`
	ExpectedContentTypes []string               `json:"expected_content_types"`
	Confidence           float64                `json:"confidence"`
}

// DefaultAnalysis is returned whenever classification fails.
func DefaultAnalysis() Analysis {
	return Analysis{
		Intent:               IntentFactual,
		Entities:             []Entity{},
		SuggestedCategories:  []string{},
		ExpectedContentTypes: []string{},
		Confidence:           0,
	}
}

// Validate implements llm.Validator.
func (a Analysis) Validate() error {
	if !a.Intent.Valid() {
		return fmt.Errorf("unknown intent %q", a.Intent)
	}
	if math.IsNaN(a.Confidence) {
		return fmt.Errorf("confidence is NaN")
	}
	return nil
}

// bound clamps and truncates a validated analysis to the output limits.
func (a Analysis) bound() Analysis {
	a.Confidence = math.Max(0, math.Min(1, a.Confidence))
	a.Entities = truncate(nonNil(a.Entities), MaxEntities)
	a.SuggestedCategories = truncate(nonNil(a.SuggestedCategories), MaxCategories)
	a.ExpectedContentTypes = truncate(nonNil(a.ExpectedContentTypes), MaxContentTypes)

	if a.TechnicalLevelRange != nil {
		r := *a.TechnicalLevelRange
		r.Min = max(0, min(3, r.Min))
		r.Max = max(0, min(3, r.Max))
		if r.Min > r.Max {
			r.Min, r.Max = r.Max, r.Min
		}
		a.TechnicalLevelRange = &r
	}
	return a
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

const analysisSchema = `{
  "type": "object",
  "properties": {
    "intent": {"type": "string", "enum": ["factual", "technical", "comparison", "overview"]},
    "entities": {
      "type": "array", "maxItems": 10,
      "items": {"type": "object", "properties": {"text": {"type": "string"}, "type": {"type": "string"}}, "required": ["text", "type"]}
    },
    "suggested_categories": {"type": "array", "maxItems": 5, "items": {"type": "string"}},
    "technical_level_range": {
      "type": "object",
      "properties": {"min": {"type": "integer", "minimum": 0, "maximum": 3}, "max": {"type": "integer", "minimum": 0, "maximum": 3}}
    },
    "expected_content_types": {"type": "array", "maxItems": 5, "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["intent", "entities", "suggested_categories", "confidence"]
}`

const analysisSystemPrompt = `You classify search queries against a company knowledge base.
Return JSON only. intent is one of factual, technical, comparison, overview.
entities are products, companies, people or features named in the query.
suggested_categories are document categories likely to answer it (e.g. pricing, api, leadership, product-features, support).
technical_level_range is 0 (general audience) to 3 (expert); omit it when any level fits.
confidence is your certainty from 0 to 1.`

const (
	// CacheNamespace prefixes every cached analysis key.
	CacheNamespace = "analysis"

	// DefaultTimeout bounds one classification call.
	DefaultTimeout = 5 * time.Second
	// DefaultCacheTTL is how long a successful analysis is reused.
	DefaultCacheTTL = time.Hour
)

// Analyzer turns queries into Analysis values. It never returns an error.
type Analyzer struct {
	llm      llm.StructuredLLM
	repairer llm.Repairer
	cache    cache.Cache
	ttl      time.Duration
	timeout  time.Duration
	model    string
	group    singleflight.Group
	logger   *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithCache stores successful analyses in c for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(a *Analyzer) {
		a.cache = c
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithTimeout bounds each LLM call.
func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithModel overrides the LLM model.
func WithModel(model string) Option {
	return func(a *Analyzer) {
		a.model = model
	}
}

// WithRepairer overrides the remote JSON repairer. Pass nil to disable remote repair.
func WithRepairer(r llm.Repairer) Option {
	return func(a *Analyzer) {
		a.repairer = r
	}
}

// New creates an Analyzer backed by client. A nil client makes every
// analysis the default.
func New(client llm.StructuredLLM, opts ...Option) *Analyzer {
	a := &Analyzer{
		llm:     client,
		cache:   cache.Noop{},
		ttl:     DefaultCacheTTL,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "analyzer"),
	}
	if client != nil {
		a.repairer = llm.RemoteRepairer{LLM: client}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies query. Failures of any kind yield DefaultAnalysis.
// Concurrent calls for the same query share one LLM request.
func (a *Analyzer) Analyze(ctx context.Context, query string) Analysis {
	if a.llm == nil {
		return DefaultAnalysis()
	}

	key := cache.Key(CacheNamespace, query)
	if data, ok := a.cache.Get(ctx, key); ok {
		var cached Analysis
		if err := json.Unmarshal(data, &cached); err == nil && cached.Validate() == nil {
			return cached.bound()
		}
	}

	v, _, _ := a.group.Do(key, func() (any, error) {
		analysis, ok := a.classify(ctx, query)
		if ok {
			if data, err := json.Marshal(analysis); err == nil {
				a.cache.Set(ctx, key, data, a.ttl)
			}
		}
		return analysis, nil
	})
	return v.(Analysis)
}

func (a *Analyzer) classify(ctx context.Context, query string) (Analysis, bool) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	schema := json.RawMessage(analysisSchema)
	raw, err := a.llm.GenerateStructured(callCtx, llm.StructuredRequest{
		SystemPrompt: analysisSystemPrompt,
		UserPrompt:   "Query: " + query,
		Schema:       schema,
		Model:        a.model,
		Temperature:  0,
		MaxTokens:    512,
	})
	if err != nil {
		a.logger.Warn("query analysis failed, using default", "error", err)
		return DefaultAnalysis(), false
	}

	var analysis Analysis
	out := llm.Decode(callCtx, raw, &analysis, schema, a.repairer)
	if out.Kind != llm.OutcomeOK {
		a.logger.Warn("query analysis malformed, using default", "stage", out.Stage, "error", out.Reason)
		return DefaultAnalysis(), false
	}
	if out.Stage != llm.StageStrict {
		a.logger.Debug("query analysis repaired", "stage", out.Stage)
	}
	return analysis.bound(), true
}
