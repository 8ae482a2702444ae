package corpus

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenize lowercases text, splits it on every rune that is not a letter or a
// digit, and drops tokens of one character or less.
//
// Both the statistics rebuild and BM25 scoring go through this function. Any
// change here requires a rebuild, otherwise stored frequencies no longer line
// up with query-time tokens.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := words[:0]
	for _, w := range words {
		if utf8.RuneCountInString(w) <= 1 {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

// TermCounts returns the per-token counts of a tokenized text and its length.
func TermCounts(text string) (map[string]int, int) {
	tokens := Tokenize(text)
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts, len(tokens)
}
