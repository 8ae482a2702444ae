package analyzer

import (
	"strings"

	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/repository"
)

// Hybrid weights chosen by Route. Higher values favour the keyword channel.
const (
	WeightKeywordLeaning = 0.7
	WeightTechnical      = 0.6
	WeightFallback       = 0.5
	WeightConceptual     = 0.3
)

// ConfidenceThreshold is the minimum analysis confidence for its
// categories, level range and intent to influence routing.
const ConfidenceThreshold = 0.7

// Prompt variants for the answer-synthesis collaborator.
const (
	PromptDefault     = "default"
	PromptPricing     = "pricing"
	PromptCompetitive = "competitive"
	PromptTechnical   = "technical"
	PromptOverview    = "overview"
)

var (
	pricingTerms     = termSet("price", "prices", "pricing", "cost", "costs", "plan", "plans", "subscription", "billing", "fee", "fees", "quote", "tier", "tiers", "discount", "license", "licensing")
	competitiveTerms = termSet("compare", "comparison", "versus", "vs", "competitor", "competitors", "alternative", "alternatives", "difference", "differences", "better")
	technicalTerms   = termSet("api", "oauth", "sdk", "integration", "integrate", "endpoint", "endpoints", "authentication", "auth", "token", "tokens", "webhook", "webhooks", "configure", "configuration", "install", "deploy", "error", "code")
	overviewTerms    = termSet("overview", "introduction", "summary", "about", "history", "mission", "explain", "general", "concept", "concepts")
	leadershipTerms  = termSet("ceo", "cto", "founder", "founders", "leadership", "executive", "executives", "management", "board")
)

func termSet(terms ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		m[t] = struct{}{}
	}
	return m
}

func anyIn(tokens []string, set map[string]struct{}) bool {
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// Defaults are the configured values Route falls back to.
type Defaults struct {
	HybridWeight  float64
	MaxResults    int
	RerankEnabled bool
}

// Parameters drive one retrieval.
type Parameters struct {
	HybridWeight        float64                `json:"hybrid_weight"`
	CategoryFilter      string                 `json:"category_filter,omitempty"`
	TechnicalLevelRange *repository.LevelRange `json:"technical_level_range,omitempty"`
	ExpandQuery         bool                   `json:"expand_query"`
	Rerank              bool                   `json:"rerank"`
	MaxResults          int                    `json:"max_results"`
	PromptVariant       string                 `json:"prompt_variant"`
	PriorityInfoType    string                 `json:"priority_info_type,omitempty"`
}

// Route maps a query and its analysis to retrieval parameters. It is pure.
func Route(query string, a Analysis, d Defaults) Parameters {
	tokens := corpus.Tokenize(query)
	confident := a.Confidence >= ConfidenceThreshold

	pricing := anyIn(tokens, pricingTerms)
	competitive := anyIn(tokens, competitiveTerms) || (confident && a.Intent == IntentComparison)
	technical := anyIn(tokens, technicalTerms) || (confident && a.Intent == IntentTechnical)
	overview := anyIn(tokens, overviewTerms) || (confident && a.Intent == IntentOverview)
	leadership := anyIn(tokens, leadershipTerms)

	p := Parameters{
		HybridWeight:  d.HybridWeight,
		MaxResults:    d.MaxResults,
		PromptVariant: PromptDefault,
		ExpandQuery:   len(tokens) <= 2,
		Rerank:        d.RerankEnabled && len(tokens) >= 2,
	}
	if p.HybridWeight < 0 || p.HybridWeight > 1 {
		p.HybridWeight = WeightFallback
	}

	switch {
	case pricing:
		p.HybridWeight = WeightKeywordLeaning
		p.PromptVariant = PromptPricing
	case competitive:
		p.HybridWeight = WeightKeywordLeaning
		p.PromptVariant = PromptCompetitive
	case technical:
		p.HybridWeight = WeightTechnical
		p.PromptVariant = PromptTechnical
	case overview:
		p.HybridWeight = WeightConceptual
		p.PromptVariant = PromptOverview
	}

	switch {
	case pricing:
		p.PriorityInfoType = "pricing"
	case leadership:
		p.PriorityInfoType = "leadership"
	}

	if confident {
		if len(a.SuggestedCategories) > 0 {
			p.CategoryFilter = a.SuggestedCategories[0]
		}
		p.TechnicalLevelRange = a.TechnicalLevelRange
	}
	return p
}

// ExpandQuery appends entity texts and suggested categories to the keyword
// query, skipping words the query already contains.
func ExpandQuery(query string, a Analysis) string {
	seen := make(map[string]struct{})
	for _, t := range corpus.Tokenize(query) {
		seen[t] = struct{}{}
	}

	parts := []string{strings.TrimSpace(query)}
	add := func(text string) {
		var fresh bool
		for _, t := range corpus.Tokenize(text) {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				fresh = true
			}
		}
		if fresh {
			parts = append(parts, strings.TrimSpace(text))
		}
	}
	for _, e := range a.Entities {
		add(e.Text)
	}
	for _, c := range a.SuggestedCategories {
		add(strings.ReplaceAll(c, "-", " "))
	}
	return strings.Join(parts, " ")
}
