package bm25

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/repository"
)

func buildStats(t *testing.T, texts ...string) *corpus.Statistics {
	t.Helper()
	ps := make(repository.SlicePassages, len(texts))
	for i, text := range texts {
		ps[i] = repository.Passage{Text: text}
	}
	stats, err := corpus.NewBuilder(corpus.WithBoostList(corpus.BoostList{})).Rebuild(context.Background(), ps)
	require.NoError(t, err)
	return stats
}

func TestIDF_NeverNegative(t *testing.T) {
	for n := uint64(0); n <= 50; n++ {
		for df := uint64(0); df <= n; df++ {
			idf := IDF(df, n)
			assert.GreaterOrEqual(t, idf, 0.0, "df=%d n=%d", df, n)
			assert.False(t, math.IsNaN(idf))
		}
	}
}

func TestIDF_RareTermsWeighMore(t *testing.T) {
	assert.Greater(t, IDF(1, 100), IDF(10, 100))
	assert.Equal(t, 0.0, IDF(80, 100), "common terms are clamped")
}

func TestScore_KnownValue(t *testing.T) {
	stats := &corpus.Statistics{
		TermFrequency:         map[string]uint64{"pricing": 1},
		DocumentFrequency:     map[string]uint64{"pricing": 1},
		TotalDocuments:        10,
		AverageDocumentLength: 4,
	}
	got, err := New().Score("pricing", "pricing plans for teams", stats)
	require.NoError(t, err)

	idf := math.Log((10 - 1 + 0.5) / (1 + 0.5))
	tf := 1 * (DefaultK1 + 1) / (1 + DefaultK1*(1-DefaultB+DefaultB*(4.0/4.0)))
	assert.InDelta(t, idf*tf, got, 1e-12)
}

func TestScore_MonotonicInTermFrequency(t *testing.T) {
	stats := buildStats(t,
		"enterprise pricing tiers",
		"oauth api guide",
		"analytics dashboards",
		"company history",
		"general overview filler",
	)
	s := New()
	prev := -1.0
	// Same document length, one more occurrence of the query term each step.
	for k := 0; k <= 5; k++ {
		doc := strings.TrimSpace(strings.Repeat("pricing ", k) + strings.Repeat("filler ", 5-k))
		score, err := s.Score("pricing", doc, stats)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score, prev, "k=%d", k)
		prev = score
	}
}

func TestScore_NovelVocabularyIsZero(t *testing.T) {
	stats := buildStats(t, "enterprise pricing", "oauth api")
	score, err := New().Score("quantum chromodynamics", "quantum chromodynamics explained", stats)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestScore_EmptyQuery(t *testing.T) {
	stats := buildStats(t, "enterprise pricing")
	score, err := New().Score("?! a", "enterprise pricing", stats)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestScore_StatsUnavailable(t *testing.T) {
	score, err := New().Score("pricing", "pricing", nil)
	assert.ErrorIs(t, err, corpus.ErrStatsUnavailable)
	assert.Equal(t, 0.0, score)

	_, err = New().Score("pricing", "pricing", &corpus.Statistics{})
	assert.ErrorIs(t, err, corpus.ErrStatsUnavailable)
}

func TestScoreMany_MatchesScore(t *testing.T) {
	stats := buildStats(t, "enterprise pricing plan", "oauth api tokens", "pricing api")
	texts := []string{"enterprise pricing plan", "oauth api tokens", "nothing relevant"}
	s := New()

	many, err := s.ScoreMany("enterprise api pricing", texts, stats)
	require.NoError(t, err)
	for i, text := range texts {
		one, err := s.Score("enterprise api pricing", text, stats)
		require.NoError(t, err)
		assert.InDelta(t, one, many[i], 1e-12)
	}
	assert.Equal(t, 0.0, many[2])
}

func TestNewWithParams_Defaults(t *testing.T) {
	s := NewWithParams(0, 2)
	assert.Equal(t, DefaultK1, s.K1)
	assert.Equal(t, DefaultB, s.B)
}

func TestScore_IndependentOfBoostList(t *testing.T) {
	ps := repository.SlicePassages{
		{ID: "a", Text: "Enterprise pricing starts at the premium plan"},
		{ID: "b", Text: "OAuth tokens authenticate API requests"},
		{ID: "c", Text: "The team meets every Monday"},
	}
	plain, err := corpus.NewBuilder(corpus.WithBoostList(corpus.BoostList{})).Rebuild(context.Background(), ps)
	require.NoError(t, err)
	boosted, err := corpus.NewBuilder().Rebuild(context.Background(), ps)
	require.NoError(t, err)
	require.NotEqual(t, plain.TermFrequency["pricing"], boosted.TermFrequency["pricing"])

	s := New()
	for _, q := range []string{"enterprise pricing", "api oauth", "leadership team"} {
		for _, p := range ps {
			want, err := s.Score(q, p.Text, plain)
			require.NoError(t, err)
			got, err := s.Score(q, p.Text, boosted)
			require.NoError(t, err)
			assert.Equal(t, want, got, "query %q passage %s", q, p.ID)
		}
	}
}
