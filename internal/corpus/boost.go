package corpus

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BoostList is the manual post-processing step applied after counting.
//
// High-value query vocabulary (pricing, product, leadership, ...) is often
// sparse in the corpus. Boosting its term frequency keeps those terms visible in
// the statistics tables. Missing terms are inserted with MissingFrequency,
// present terms are multiplied by Factor and capped at Cap.
//
// Only TermFrequency is touched. DocumentFrequency always reflects real counts,
// so IDF stays well defined and df <= N holds.
//
// BM25 scoring reads DocumentFrequency, TotalDocuments and AverageDocumentLength
// only, so the boost has no effect on scores. It changes what TopTerms and the
// stats reports show, nothing else.
type BoostList struct {
	Terms            []string `yaml:"terms"`
	MissingFrequency uint64   `yaml:"missing_frequency"`
	Factor           float64  `yaml:"factor"`
	Cap              uint64   `yaml:"cap"`
}

// DefaultBoostList returns the built-in list of business and product terms.
func DefaultBoostList() BoostList {
	return BoostList{
		Terms: []string{
			"pricing", "price", "cost", "enterprise", "plan", "subscription",
			"product", "feature", "features", "leadership", "ceo", "team",
			"customer", "customers", "support", "integration", "api", "security",
		},
		MissingFrequency: 5,
		Factor:           1.5,
		Cap:              1000,
	}
}

// LoadBoostList reads a YAML boost list. Unset numeric fields take the defaults.
func LoadBoostList(path string) (BoostList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BoostList{}, fmt.Errorf("reading boost list: %w", err)
	}
	var bl BoostList
	if err := yaml.Unmarshal(data, &bl); err != nil {
		return BoostList{}, fmt.Errorf("parsing boost list: %w", err)
	}
	def := DefaultBoostList()
	if bl.MissingFrequency == 0 {
		bl.MissingFrequency = def.MissingFrequency
	}
	if bl.Factor <= 0 {
		bl.Factor = def.Factor
	}
	if bl.Cap == 0 {
		bl.Cap = def.Cap
	}
	return bl, nil
}

// Apply boosts tf in place and returns the number of terms inserted and amplified.
func (bl BoostList) Apply(tf map[string]uint64) (inserted, amplified int) {
	for _, raw := range bl.Terms {
		// Boost terms must survive tokenization to ever match a query token.
		tokens := Tokenize(raw)
		if len(tokens) != 1 {
			continue
		}
		term := tokens[0]
		cur, ok := tf[term]
		if !ok {
			tf[term] = bl.MissingFrequency
			inserted++
			continue
		}
		boosted := uint64(math.Round(float64(cur) * bl.Factor))
		if bl.Cap > 0 && boosted > bl.Cap {
			boosted = max(bl.Cap, cur)
		}
		tf[term] = boosted
		amplified++
	}
	return inserted, amplified
}

func (bl BoostList) String() string {
	return fmt.Sprintf("boost(%d terms, missing=%d, factor=%.2f, cap=%d): %s",
		len(bl.Terms), bl.MissingFrequency, bl.Factor, bl.Cap, strings.Join(bl.Terms, ","))
}
