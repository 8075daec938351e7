package pipeline

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/instrument-index/internal/enrichment"
	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/store"
)

// Reconciler resolves and writes back one batch of records at a time. A
// single Reconciler is shared by all workers of a run.
type Reconciler struct {
	Store          store.InstrumentStore
	Enricher       *enrichment.Client
	Embedder       Embedder
	Cache          *SharedCache
	Dimensions     int
	SkipEnrichment bool
	OnError        func(string)
}

// BatchResult describes one reconciled batch.
type BatchResult struct {
	Records int
	Updated int
	// Enriched counts identities sent to the enrichment backend.
	Enriched int
	// Embedded counts identities embedded.
	Embedded int
}

// ReconcileBatch classifies the batch, fills missing translations,
// enrichments and embeddings through the shared cache, and writes changed
// records in one atomic WriteChanges. Each record is written with only the
// fields it changed. Valid stored values are never replaced.
func (r *Reconciler) ReconcileBatch(ctx context.Context, records []model.Instrument) (BatchResult, error) {
	res := BatchResult{Records: len(records)}
	if len(records) == 0 {
		return res, nil
	}

	states, pending := Classify(records, r.Cache, r.SkipEnrichment)
	if len(pending) > 0 {
		res.Enriched = r.Enricher.EnrichIdentities(ctx, pending, r.Cache, r.OnError)
		states, _ = Classify(records, r.Cache, r.SkipEnrichment)
	}

	var missing []model.IdentityKey
	for _, s := range states {
		if !s.Embedding.IsResolved() && !slices.Contains(missing, s.Key) {
			missing = append(missing, s.Key)
		}
	}
	if len(missing) > 0 {
		res.Embedded = EmbedMissing(ctx, r.Embedder, missing, r.Cache, r.Dimensions, r.SkipEnrichment, r.OnError)
	}

	changed := r.buildUpdates(states)
	if len(changed) == 0 {
		return res, nil
	}
	if err := r.Store.WriteChanges(ctx, changed); err != nil {
		return res, eris.Wrapf(err, "pipeline: write batch of %d records", len(changed))
	}
	res.Updated = len(changed)

	zap.L().Debug("pipeline: batch reconciled",
		zap.Int("records", res.Records),
		zap.Int("updated", res.Updated),
		zap.Int("enriched", res.Enriched),
		zap.Int("embedded", res.Embedded),
	)
	return res, nil
}

// buildUpdates applies the write-back rules and returns the records that
// actually changed, each with the fields it changed.
func (r *Reconciler) buildUpdates(states []RecordState) []store.Change {
	var changed []store.Change
	for _, s := range states {
		inst := s.Instrument
		var fields []model.Field

		if !s.HasValidTranslation {
			tr, _ := r.Cache.Lookup(s.Key)
			if v := model.TranslationWire(tr); v != inst.NameTarget {
				inst.NameTarget = v
				fields = append(fields, model.FieldNameTarget)
			}
		}
		if !r.SkipEnrichment && !s.HasValidEnrichment {
			_, desc := r.Cache.Lookup(s.Key)
			if v := model.EnrichmentWire(desc); v != inst.EnrichedText {
				inst.EnrichedText = v
				fields = append(fields, model.FieldEnrichedText)
			}
		}
		if !inst.HasEmbedding() {
			if emb := r.Cache.Embedding(s.Key); emb.IsResolved() {
				inst.Embedding = emb.Value
				fields = append(fields, model.FieldEmbedding)
			}
		}

		if len(fields) > 0 {
			changed = append(changed, store.Change{Instrument: inst, Fields: fields})
		}
	}
	return changed
}
