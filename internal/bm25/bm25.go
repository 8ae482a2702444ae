// Package bm25 scores passages against a query with Okapi BM25 using the
// published corpus statistics.
package bm25

import (
	"math"

	"github.com/knoguchi/hybridrag/internal/corpus"
)

const (
	// DefaultK1 is the term frequency saturation parameter.
	DefaultK1 = 1.2

	// DefaultB is the document length normalization parameter.
	DefaultB = 0.75
)

// Scorer computes BM25 scores. The zero value is not usable; call New.
type Scorer struct {
	K1 float64
	B  float64
}

// New returns a scorer with the standard parameters.
func New() *Scorer {
	return &Scorer{K1: DefaultK1, B: DefaultB}
}

// NewWithParams returns a scorer with custom parameters. Non-positive k1 and
// out-of-range b fall back to the defaults.
func NewWithParams(k1, b float64) *Scorer {
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b < 0 || b > 1 {
		b = DefaultB
	}
	return &Scorer{K1: k1, B: b}
}

// IDF returns ln((N - df + 0.5) / (df + 0.5)) clamped at zero, so terms found
// in more than half of the documents never subtract from a score.
func IDF(docFreq, totalDocs uint64) float64 {
	n := float64(totalDocs)
	df := float64(docFreq)
	idf := math.Log((n - df + 0.5) / (df + 0.5))
	if idf < 0 || math.IsNaN(idf) {
		return 0
	}
	return idf
}

// Score returns the BM25 score of passageText for query.
//
// Terms missing from the corpus statistics or from the passage contribute
// nothing; there is no smoothing, so entirely novel vocabulary scores 0.
// An empty query scores 0. Missing statistics yield corpus.ErrStatsUnavailable.
func (s *Scorer) Score(query, passageText string, stats *corpus.Statistics) (float64, error) {
	if stats.Empty() {
		return 0, corpus.ErrStatsUnavailable
	}
	queryTokens := corpus.Tokenize(query)
	if len(queryTokens) == 0 {
		return 0, nil
	}
	docCounts, docLen := corpus.TermCounts(passageText)
	return s.scoreTokens(queryTokens, docCounts, docLen, stats), nil
}

// ScoreMany scores every passage against the same query, tokenizing the query once.
func (s *Scorer) ScoreMany(query string, passageTexts []string, stats *corpus.Statistics) ([]float64, error) {
	scores := make([]float64, len(passageTexts))
	if stats.Empty() {
		return scores, corpus.ErrStatsUnavailable
	}
	queryTokens := corpus.Tokenize(query)
	if len(queryTokens) == 0 {
		return scores, nil
	}
	for i, text := range passageTexts {
		docCounts, docLen := corpus.TermCounts(text)
		scores[i] = s.scoreTokens(queryTokens, docCounts, docLen, stats)
	}
	return scores, nil
}

func (s *Scorer) scoreTokens(queryTokens []string, docCounts map[string]int, docLen int, stats *corpus.Statistics) float64 {
	var score float64
	for _, term := range queryTokens {
		df, ok := stats.DocFreq(term)
		if !ok {
			continue
		}
		tf := docCounts[term]
		if tf == 0 {
			continue
		}
		score += IDF(df, stats.TotalDocuments) * s.tfNorm(float64(tf), float64(docLen), stats.AverageDocumentLength)
	}
	return score
}

func (s *Scorer) tfNorm(tf, docLen, avgDocLen float64) float64 {
	lengthRatio := 1.0
	if avgDocLen > 0 {
		lengthRatio = docLen / avgDocLen
	}
	return tf * (s.K1 + 1) / (tf + s.K1*(1-s.B+s.B*lengthRatio))
}
