package store

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/instrument-index/internal/model"
)

var (
	validTranslationSQL = fmt.Sprintf("(name_target <> '' AND name_target <> '%s')", model.TranslationFailed)
	validEnrichmentSQL  = fmt.Sprintf("(enriched_text NOT IN ('', '%s', '%s'))", model.EnrichmentFailed, model.TranslationFailed)
	hasEmbeddingSQL     = "(embedding IS NOT NULL)"
)

// selectionSQL renders the predicate for a selection. It returns "" for
// SelectAll.
func selectionSQL(f Filter) string {
	switch f.Selection {
	case SelectPending:
		return "NOT " + completeSQL(f.SkipEnrichment)
	case SelectComplete:
		return completeSQL(f.SkipEnrichment)
	case SelectValidTranslation:
		return validTranslationSQL
	case SelectValidEnrichment:
		return validEnrichmentSQL
	case SelectWithEmbedding:
		return hasEmbeddingSQL
	default:
		return ""
	}
}

func completeSQL(skipEnrichment bool) string {
	parts := []string{validTranslationSQL, hasEmbeddingSQL}
	if !skipEnrichment {
		parts = append(parts, validEnrichmentSQL)
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// matchesIdentity applies the Name/Variant part of a filter in Go, where
// Unicode normalization is exact on every backend.
func matchesIdentity(f Filter, inst model.Instrument) bool {
	if f.Name == nil && f.Variant == nil {
		return true
	}
	key := model.Identity(inst)
	if f.Name != nil && key.Name != model.NormalizeIdentityPart(*f.Name) {
		return false
	}
	if f.Variant != nil && key.Variant != model.NormalizeIdentityPart(*f.Variant) {
		return false
	}
	return true
}

func filterIdentity(f Filter, in []model.Instrument) []model.Instrument {
	if f.Name == nil && f.Variant == nil {
		return in
	}
	out := in[:0]
	for _, inst := range in {
		if matchesIdentity(f, inst) {
			out = append(out, inst)
		}
	}
	return out
}

func fieldColumns(fields []model.Field) []string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f)
	}
	return cols
}

func validateFields(fields []model.Field) error {
	if len(fields) == 0 {
		return eris.New("store: bulk write: no fields")
	}
	for _, f := range fields {
		switch f {
		case model.FieldNameTarget, model.FieldEnrichedText, model.FieldEmbedding:
		default:
			return eris.Errorf("store: bulk write: unknown field %q", f)
		}
	}
	return nil
}
