package reranker

import (
	"fmt"
	"strings"

	"github.com/knoguchi/hybridrag/internal/fusion"
)

const maxPassageChars = 500

// Strategy renders candidates into the judging prompt. Text and visual
// candidates share one code path; only the rendering and the fallback
// visual bonuses differ.
type Strategy interface {
	Name() string
	// SupportsVisualContext reports whether visual metadata is shown to the
	// judge and whether visual fallback bonuses apply.
	SupportsVisualContext() bool
	Instructions() string
	WriteCandidate(sb *strings.Builder, c fusion.Candidate)
}

// TextStrategy judges passages on their text alone.
type TextStrategy struct{}

func (TextStrategy) Name() string                { return "text" }
func (TextStrategy) SupportsVisualContext() bool { return false }

func (TextStrategy) Instructions() string {
	return "Judge how well each passage answers the query."
}

func (TextStrategy) WriteCandidate(sb *strings.Builder, c fusion.Candidate) {
	writeHeader(sb, c)
	fmt.Fprintf(sb, "text: %s\n\n", truncateText(c.Passage.Text, maxPassageChars))
}

// VisualStrategy additionally shows visual type and description, for
// passages extracted from charts, diagrams and screenshots.
type VisualStrategy struct{}

func (VisualStrategy) Name() string                { return "visual" }
func (VisualStrategy) SupportsVisualContext() bool { return true }

func (VisualStrategy) Instructions() string {
	return "Judge how well each passage answers the query. Some passages describe charts, diagrams or images; " +
		"weigh the visual description as much as the text when the query is about visual content."
}

func (VisualStrategy) WriteCandidate(sb *strings.Builder, c fusion.Candidate) {
	writeHeader(sb, c)
	m := c.Passage.Metadata
	if m.VisualType != "" {
		fmt.Fprintf(sb, "visual_type: %s\n", m.VisualType)
	}
	if m.VisualDescription != "" {
		fmt.Fprintf(sb, "visual_description: %s\n", truncateText(m.VisualDescription, maxPassageChars))
	}
	fmt.Fprintf(sb, "text: %s\n\n", truncateText(c.Passage.Text, maxPassageChars))
}

// StrategyFor picks the visual strategy when the query focuses on visuals
// or any candidate carries visual content.
func StrategyFor(candidates []fusion.Candidate, opts Options) Strategy {
	if opts.VisualFocus || len(opts.VisualTypes) > 0 || len(opts.MatchedVisualIDs) > 0 {
		return VisualStrategy{}
	}
	for _, c := range candidates {
		if c.Passage.Metadata.HasVisual() {
			return VisualStrategy{}
		}
	}
	return TextStrategy{}
}

func writeHeader(sb *strings.Builder, c fusion.Candidate) {
	m := c.Passage.Metadata
	category := m.Category
	if category == "" {
		category = "uncategorized"
	}
	fmt.Fprintf(sb, "[id: %s]\ncategory: %s\nquality: %.2f\n", c.Passage.ID, category, m.QualityScore)
}

// truncateText cuts s to at most n runes.
func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var (
	_ Strategy = TextStrategy{}
	_ Strategy = VisualStrategy{}
)
