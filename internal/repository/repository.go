// Package repository defines the indexed passage model and data access interfaces
// used by retrieval and by the corpus statistics rebuild.
package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Passage is one indexed chunk of a document. Text is the exact contextualized
// text that was embedded; keyword scoring tokenizes the same string.
type Passage struct {
	ID         string
	DocumentID string
	Text       string
	Embedding  []float32
	Metadata   PassageMetadata
}

// PassageMetadata holds the attributes used for filtering, boosting and citation.
type PassageMetadata struct {
	Source            string    `json:"source"`
	Title             string    `json:"title,omitempty"`
	Category          string    `json:"category,omitempty"`
	TechnicalLevel    int       `json:"technical_level"` // 0 (general) to 3 (expert)
	StructuredInfo    bool      `json:"structured_info"`
	InfoTypes         []string  `json:"info_types,omitempty"` // e.g. pricing, leadership, product-features
	Authoritative     bool      `json:"authoritative"`
	Deprecated        bool      `json:"deprecated"`
	QualityScore      float64   `json:"quality_score"` // 0..1
	VisualType        string    `json:"visual_type,omitempty"`
	VisualDescription string    `json:"visual_description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Payload keys used when metadata is flattened to strings (vector store payloads, API results).
const (
	KeySource            = "source"
	KeyTitle             = "title"
	KeyCategory          = "category"
	KeyTechnicalLevel    = "technical_level"
	KeyStructuredInfo    = "structured_info"
	KeyInfoTypes         = "info_types"
	KeyAuthoritative     = "authoritative"
	KeyDeprecated        = "deprecated"
	KeyQualityScore      = "quality_score"
	KeyVisualType        = "visual_type"
	KeyVisualDescription = "visual_description"
	KeyCreatedAt         = "created_at"
	KeyUpdatedAt         = "updated_at"
)

// HasVisual reports whether the passage carries multi-modal content.
func (m PassageMetadata) HasVisual() bool {
	return m.VisualType != "" || m.VisualDescription != ""
}

// HasInfoType reports whether infoType is one of the passage's structured info types.
func (m PassageMetadata) HasInfoType(infoType string) bool {
	for _, t := range m.InfoTypes {
		if strings.EqualFold(t, infoType) {
			return true
		}
	}
	return false
}

// ToMap flattens the metadata into string key/value pairs.
// Zero values are omitted so MetadataFromMap(m.ToMap()) == m.
func (m PassageMetadata) ToMap() map[string]string {
	out := make(map[string]string)
	setIf := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	setIf(KeySource, m.Source)
	setIf(KeyTitle, m.Title)
	setIf(KeyCategory, m.Category)
	setIf(KeyVisualType, m.VisualType)
	setIf(KeyVisualDescription, m.VisualDescription)
	if len(m.InfoTypes) > 0 {
		out[KeyInfoTypes] = strings.Join(m.InfoTypes, ",")
	}
	out[KeyTechnicalLevel] = strconv.Itoa(m.TechnicalLevel)
	out[KeyStructuredInfo] = strconv.FormatBool(m.StructuredInfo)
	out[KeyAuthoritative] = strconv.FormatBool(m.Authoritative)
	out[KeyDeprecated] = strconv.FormatBool(m.Deprecated)
	out[KeyQualityScore] = strconv.FormatFloat(m.QualityScore, 'g', -1, 64)
	if !m.CreatedAt.IsZero() {
		out[KeyCreatedAt] = m.CreatedAt.Format(time.RFC3339Nano)
	}
	if !m.UpdatedAt.IsZero() {
		out[KeyUpdatedAt] = m.UpdatedAt.Format(time.RFC3339Nano)
	}
	return out
}

// MetadataFromMap parses flattened metadata. Unknown keys are ignored and
// unparsable values fall back to their zero value.
func MetadataFromMap(in map[string]string) PassageMetadata {
	m := PassageMetadata{
		Source:            in[KeySource],
		Title:             in[KeyTitle],
		Category:          in[KeyCategory],
		VisualType:        in[KeyVisualType],
		VisualDescription: in[KeyVisualDescription],
	}
	if v := in[KeyInfoTypes]; v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				m.InfoTypes = append(m.InfoTypes, t)
			}
		}
	}
	if v, err := strconv.Atoi(in[KeyTechnicalLevel]); err == nil {
		m.TechnicalLevel = clampLevel(v)
	}
	m.StructuredInfo, _ = strconv.ParseBool(in[KeyStructuredInfo])
	m.Authoritative, _ = strconv.ParseBool(in[KeyAuthoritative])
	m.Deprecated, _ = strconv.ParseBool(in[KeyDeprecated])
	if v, err := strconv.ParseFloat(in[KeyQualityScore], 64); err == nil {
		m.QualityScore = v
	}
	if t, err := time.Parse(time.RFC3339Nano, in[KeyCreatedAt]); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, in[KeyUpdatedAt]); err == nil {
		m.UpdatedAt = t
	}
	return m
}

func clampLevel(v int) int {
	if v < 0 {
		return 0
	}
	if v > 3 {
		return 3
	}
	return v
}

// LevelRange is an inclusive technical level range. {0, 0} means general
// audience only; callers use a nil *LevelRange for "any level".
type LevelRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether level falls within the range. A nil range contains every level.
func (r *LevelRange) Contains(level int) bool {
	if r == nil {
		return true
	}
	return level >= r.Min && level <= r.Max
}

// PassageRepository gives the rebuild job read access to the whole passage store.
type PassageRepository interface {
	// Iterate calls fn with successive batches of passages until the store is
	// exhausted, fn returns an error, or ctx is cancelled.
	Iterate(ctx context.Context, batchSize int, fn func(batch []Passage) error) error

	// Count returns the number of indexed passages.
	Count(ctx context.Context) (int, error)
}

// SlicePassages serves passages from memory. Used by tests and the in-memory backend.
type SlicePassages []Passage

// Iterate implements PassageRepository.
func (s SlicePassages) Iterate(ctx context.Context, batchSize int, fn func(batch []Passage) error) error {
	if batchSize <= 0 {
		batchSize = len(s)
	}
	for start := 0; start < len(s); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(s))
		if err := fn(s[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Count implements PassageRepository.
func (s SlicePassages) Count(ctx context.Context) (int, error) {
	return len(s), nil
}

var _ PassageRepository = SlicePassages(nil)
