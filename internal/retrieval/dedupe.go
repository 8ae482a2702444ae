package retrieval

import (
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
)

// DefaultDedupeThreshold is the Jaccard word-set overlap at which two
// passages count as near duplicates.
const DefaultDedupeThreshold = 0.7

// deduplicate drops passages that are near duplicates of a better-ranked one.
// results must be ordered best first.
func deduplicate(results []vectorstore.SearchResult, threshold float64) []vectorstore.SearchResult {
	if len(results) <= 1 || threshold <= 0 || threshold > 1 {
		return results
	}

	wordSets := make([]map[string]struct{}, len(results))
	for i, r := range results {
		wordSets[i] = wordSet(r.Passage.Text)
	}

	kept := make([]vectorstore.SearchResult, 0, len(results))
	keptSets := make([]map[string]struct{}, 0, len(results))
	for i, r := range results {
		duplicate := false
		for _, s := range keptSets {
			if jaccardSimilarity(wordSets[i], s) >= threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, r)
			keptSets = append(keptSets, wordSets[i])
		}
	}
	return kept
}

func wordSet(text string) map[string]struct{} {
	tokens := corpus.Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// jaccardSimilarity returns |a∩b| / |a∪b|. Two empty sets are identical.
func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
