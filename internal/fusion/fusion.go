// Package fusion blends the keyword and vector channels into one ranking.
//
// Each candidate's BM25 score is optionally normalized against the batch
// maximum, blended with its vector score by the hybrid weight, adjusted by
// metadata boosts and penalties, and the batch is stably sorted and truncated.
package fusion

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/repository"
)

// Metadata adjustment factors.
const (
	PriorityBoost      = 1.5
	HighValueBoost     = 1.3
	StructuredBoost    = 1.1
	AuthoritativeBoost = 1.05

	LowRelevancePenalty = 0.2
	DeprecatedPenalty   = 0.1
)

// HighValueInfoTypes are structured-info categories worth surfacing first.
var HighValueInfoTypes = []string{"pricing", "leadership", "product-features"}

// LowRelevanceCategories maps a category that is usually noise to the query
// terms that make it relevant again.
var LowRelevanceCategories = map[string][]string{
	"job-posting": {"job", "jobs", "career", "careers", "hiring", "position", "positions", "opening", "openings", "vacancy"},
}

// Candidate is a passage scored by both channels.
type Candidate struct {
	Passage       repository.Passage
	VectorScore   float64 // cosine, [0,1]
	BM25Score     float64 // raw, >= 0
	CombinedScore float64
	RerankScore   *float64
	Explanation   string
	VectorRank    int // 1-based position in the vector result list
}

// Params controls a Fuse call.
type Params struct {
	HybridWeight     float64 // share of the score taken from the keyword channel
	MinBM25Score     float64
	MinVectorScore   float64
	NormalizeScores  bool
	MaxResults       int // <= 0 keeps everything
	PriorityInfoType string
	QueryText        string
	Explain          bool
}

// Normalize scales score by the batch maximum when enabled. A zero maximum yields 0.
func Normalize(score, max float64, enabled bool) float64 {
	if !enabled {
		return score
	}
	if max <= 0 {
		return 0
	}
	return score / max
}

// Blend computes w*bm25 + (1-w)*vector. w is clamped to [0,1]; the endpoints
// return the corresponding channel exactly.
func Blend(w, bm25, vector float64) float64 {
	switch {
	case w <= 0 || math.IsNaN(w):
		return vector
	case w >= 1:
		return bm25
	default:
		return w*bm25 + (1-w)*vector
	}
}

// Fuse scores, filters, boosts, sorts and truncates candidates. The input slice is not modified.
func Fuse(candidates []Candidate, p Params) []Candidate {
	if len(candidates) == 0 {
		return []Candidate{}
	}

	var maxBM25 float64
	for _, c := range candidates {
		maxBM25 = math.Max(maxBM25, c.BM25Score)
	}

	queryTokens := make(map[string]struct{})
	for _, t := range corpus.Tokenize(p.QueryText) {
		queryTokens[t] = struct{}{}
	}

	out := make([]Candidate, 0, len(candidates))
	for i, c := range candidates {
		if p.HybridWeight > 0 && c.BM25Score < p.MinBM25Score {
			continue
		}
		if c.VectorScore < p.MinVectorScore {
			continue
		}
		if c.VectorRank == 0 {
			c.VectorRank = i + 1
		}

		bm25 := Normalize(c.BM25Score, maxBM25, p.NormalizeScores)
		score := Blend(p.HybridWeight, bm25, c.VectorScore)
		adjusted, notes := adjust(score, c.Passage.Metadata, p.PriorityInfoType, queryTokens)
		c.CombinedScore = adjusted

		if p.Explain {
			c.Explanation = explain(bm25, c.VectorScore, score, notes)
		}
		out = append(out, c)
	}

	Sort(out)
	if p.MaxResults > 0 && len(out) > p.MaxResults {
		out = out[:p.MaxResults]
	}
	return out
}

// Sort orders candidates by CombinedScore descending; ties keep vector rank order.
func Sort(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CombinedScore != cs[j].CombinedScore {
			return cs[i].CombinedScore > cs[j].CombinedScore
		}
		return cs[i].VectorRank < cs[j].VectorRank
	})
}

// adjust applies the metadata multipliers (first match wins), the
// authoritative bonus and the subtractive penalties, never going below zero.
func adjust(score float64, m repository.PassageMetadata, priority string, queryTokens map[string]struct{}) (float64, []string) {
	var notes []string

	if mult, why := boostFor(m, priority); mult != 1 {
		score *= mult
		notes = append(notes, fmt.Sprintf("x%.2f %s", mult, why))
	}

	if m.Authoritative {
		score *= AuthoritativeBoost
		notes = append(notes, fmt.Sprintf("x%.2f authoritative", AuthoritativeBoost))
	}

	if cat, ok := lowRelevance(m); ok && !mentions(queryTokens, LowRelevanceCategories[cat]) {
		score = math.Max(0, score-LowRelevancePenalty)
		notes = append(notes, fmt.Sprintf("-%.2f %s", LowRelevancePenalty, cat))
	}

	if m.Deprecated {
		score = math.Max(0, score-DeprecatedPenalty)
		notes = append(notes, fmt.Sprintf("-%.2f deprecated", DeprecatedPenalty))
	}

	return score, notes
}

func boostFor(m repository.PassageMetadata, priority string) (float64, string) {
	if priority != "" && (m.HasInfoType(priority) || strings.EqualFold(m.Category, priority)) {
		return PriorityBoost, "priority:" + priority
	}
	for _, t := range HighValueInfoTypes {
		if m.HasInfoType(t) {
			return HighValueBoost, "high-value:" + t
		}
	}
	if m.StructuredInfo || len(m.InfoTypes) > 0 {
		return StructuredBoost, "structured"
	}
	return 1, ""
}

func lowRelevance(m repository.PassageMetadata) (string, bool) {
	for cat := range LowRelevanceCategories {
		if strings.EqualFold(m.Category, cat) || m.HasInfoType(cat) {
			return cat, true
		}
	}
	return "", false
}

func mentions(queryTokens map[string]struct{}, terms []string) bool {
	for _, t := range terms {
		if _, ok := queryTokens[t]; ok {
			return true
		}
	}
	return false
}

func explain(bm25, vector, blended float64, notes []string) string {
	s := fmt.Sprintf("bm25=%.3f vector=%.3f blended=%.3f", bm25, vector, blended)
	if len(notes) > 0 {
		s += " " + strings.Join(notes, ", ")
	}
	return s
}
