package reranker

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/knoguchi/hybridrag/internal/fusion"
)

// Fallback bonuses. They are additive and the result is clamped to [0,1].
const (
	MatchedVisualBonus = 0.25
	VisualFocusBonus   = 0.2
	VisualTypeBonus    = 0.3
)

// Fallback reorders candidates without any remote call. Visual bonuses only
// apply when visual is true (the chosen strategy supports visual context).
// The result is sorted by CombinedScore descending, ties in input order,
// and holds at most limit entries (all of them when limit <= 0).
func Fallback(candidates []fusion.Candidate, limit int, opts Options, visual bool) []fusion.Candidate {
	out := make([]fusion.Candidate, len(candidates))
	copy(out, candidates)

	for i := range out {
		c := &out[i]
		score := c.CombinedScore
		var notes []string

		if visual {
			m := c.Passage.Metadata
			if slices.Contains(opts.MatchedVisualIDs, c.Passage.ID) {
				score += MatchedVisualBonus
				notes = append(notes, fmt.Sprintf("+%.2f matched visual", MatchedVisualBonus))
			}
			if opts.VisualFocus && m.HasVisual() {
				score += VisualFocusBonus
				notes = append(notes, fmt.Sprintf("+%.2f visual focus", VisualFocusBonus))
			}
			if m.VisualType != "" && containsFold(opts.VisualTypes, m.VisualType) {
				score += VisualTypeBonus
				notes = append(notes, fmt.Sprintf("+%.2f visual type %s", VisualTypeBonus, m.VisualType))
			}
		}

		c.CombinedScore = clamp01(score)
		c.RerankScore = nil
		if opts.IncludeExplanations {
			c.Explanation = "fallback ranking"
			if len(notes) > 0 {
				c.Explanation += ": " + strings.Join(notes, ", ")
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CombinedScore > out[j].CombinedScore
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
