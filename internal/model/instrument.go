package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Sentinel values persisted when an external call was attempted and failed.
// They only exist at the storage boundary; the pipeline works with Resolution.
const (
	TranslationFailed = "Translation Failed"
	EnrichmentFailed  = "Enrichment Failed"
)

// Instrument is a laboratory instrument record as stored in the registry.
// Only the fields the semantic index reads or writes are modelled.
type Instrument struct {
	ID           int64     `json:"id"`
	NameSource   string    `json:"name_source"`
	NameVariant  string    `json:"name_variant,omitempty"`
	NameTarget   string    `json:"name_target"`
	EnrichedText string    `json:"enriched_text,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Field names a derived column the pipeline may write.
type Field string

const (
	FieldNameTarget   Field = "name_target"
	FieldEnrichedText Field = "enriched_text"
	FieldEmbedding    Field = "embedding"
)

// DerivedFields lists every column the pipeline owns.
var DerivedFields = []Field{FieldNameTarget, FieldEnrichedText, FieldEmbedding}

// IdentityKey groups records that describe the same semantic entity.
type IdentityKey struct {
	Name    string
	Variant string
}

func (k IdentityKey) String() string {
	return k.Name + "|" + k.Variant
}

var lower = cases.Lower(language.Und)

// NormalizeIdentityPart trims, NFC-normalizes and lower-cases one half of an
// identity key, so "Vaaka", " vaaka" and a decomposed "Vaaka" collapse.
func NormalizeIdentityPart(s string) string {
	return lower.String(norm.NFC.String(strings.TrimSpace(s)))
}

// Identity returns the identity key of an instrument.
func Identity(inst Instrument) IdentityKey {
	return IdentityKey{
		Name:    NormalizeIdentityPart(inst.NameSource),
		Variant: NormalizeIdentityPart(inst.NameVariant),
	}
}

// HasValidTranslation reports whether NameTarget is a usable translation.
func (i Instrument) HasValidTranslation() bool {
	return ParseTranslation(i.NameTarget).IsResolved()
}

// HasValidEnrichment reports whether EnrichedText is a usable description.
func (i Instrument) HasValidEnrichment() bool {
	return ParseEnrichment(i.EnrichedText).IsResolved()
}

// HasEmbedding reports whether an embedding is stored.
func (i Instrument) HasEmbedding() bool {
	return i.Embedding != nil
}

// NeedsWork reports whether any derived field is missing or failed. With
// skipEnrichment the enrichment column is ignored.
func (i Instrument) NeedsWork(skipEnrichment bool) bool {
	if !i.HasValidTranslation() || !i.HasEmbedding() {
		return true
	}
	return !skipEnrichment && !i.HasValidEnrichment()
}

// ParseTranslation converts a stored translation into a Resolution.
func ParseTranslation(s string) Resolution[string] {
	switch s {
	case "":
		return Unresolved[string]()
	case TranslationFailed:
		return Fail[string]()
	default:
		return Resolve(s)
	}
}

// ParseEnrichment converts a stored description into a Resolution. The
// translation sentinel also counts as a failed description.
func ParseEnrichment(s string) Resolution[string] {
	switch s {
	case "":
		return Unresolved[string]()
	case EnrichmentFailed, TranslationFailed:
		return Fail[string]()
	default:
		return Resolve(s)
	}
}

// ParseEmbedding converts a stored vector into a Resolution.
func ParseEmbedding(v []float32) Resolution[[]float32] {
	if v == nil {
		return Unresolved[[]float32]()
	}
	return Resolve(v)
}

// TranslationWire renders a translation for storage.
func TranslationWire(r Resolution[string]) string {
	if r.IsResolved() {
		return r.Value
	}
	return TranslationFailed
}

// EnrichmentWire renders a description for storage.
func EnrichmentWire(r Resolution[string]) string {
	if r.IsResolved() {
		return r.Value
	}
	return EnrichmentFailed
}
