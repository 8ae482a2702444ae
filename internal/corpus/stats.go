// Package corpus builds, stores and publishes the global term statistics that
// keyword (BM25) scoring needs.
//
// Statistics are produced only by a full batch rebuild over the indexed
// passages. Once built they are never mutated: a rebuild creates a new
// Statistics value and publishes it through Holder.Swap, so concurrent
// queries see either the previous snapshot or the new one, never a mix.
package corpus

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrStatsUnavailable is returned when no rebuild has ever produced statistics.
// Callers treat the keyword channel as contributing zero.
var ErrStatsUnavailable = errors.New("corpus statistics unavailable")

// Statistics are the corpus-wide frequency tables used by BM25.
type Statistics struct {
	// TermFrequency is the raw number of occurrences of each term, after boosting.
	TermFrequency map[string]uint64 `json:"term_frequency"`

	// DocumentFrequency is the number of passages containing each term.
	DocumentFrequency map[string]uint64 `json:"document_frequency"`

	TotalDocuments        uint64    `json:"total_documents"`
	AverageDocumentLength float64   `json:"average_document_length"`
	BuiltAt               time.Time `json:"built_at"`
}

// Empty reports whether the statistics cannot be used for scoring.
func (s *Statistics) Empty() bool {
	return s == nil || s.TotalDocuments == 0
}

// DocFreq returns the document frequency of term and whether the term is known.
func (s *Statistics) DocFreq(term string) (uint64, bool) {
	df, ok := s.DocumentFrequency[term]
	return df, ok
}

// Validate checks the df <= N invariant and basic sanity of the tables.
func (s *Statistics) Validate() error {
	if s.Empty() {
		return ErrStatsUnavailable
	}
	if s.AverageDocumentLength < 0 {
		return fmt.Errorf("negative average document length %f", s.AverageDocumentLength)
	}
	for term, df := range s.DocumentFrequency {
		if df > s.TotalDocuments {
			return fmt.Errorf("document frequency of %q (%d) exceeds total documents (%d)", term, df, s.TotalDocuments)
		}
	}
	return nil
}

// TermCount pairs a term with a frequency, for reporting.
type TermCount struct {
	Term      string `json:"term"`
	Frequency uint64 `json:"frequency"`
}

// TopTerms returns the n most frequent terms by term frequency, ties broken alphabetically.
func (s *Statistics) TopTerms(n int) []TermCount {
	if s == nil {
		return nil
	}
	terms := make([]TermCount, 0, len(s.TermFrequency))
	for t, f := range s.TermFrequency {
		terms = append(terms, TermCount{Term: t, Frequency: f})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Frequency != terms[j].Frequency {
			return terms[i].Frequency > terms[j].Frequency
		}
		return terms[i].Term < terms[j].Term
	})
	if n > 0 && len(terms) > n {
		terms = terms[:n]
	}
	return terms
}
