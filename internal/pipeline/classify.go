package pipeline

import (
	"strings"

	"github.com/sells-group/instrument-index/internal/enrichment"
	"github.com/sells-group/instrument-index/internal/model"
)

// RecordState is what is known about one record of a batch.
type RecordState struct {
	Instrument model.Instrument
	Key        model.IdentityKey

	HasValidTranslation bool
	HasValidEnrichment  bool

	// Resolved values come from the record itself when valid, otherwise
	// from the shared cache.
	Translation model.Resolution[string]
	Enrichment  model.Resolution[string]
	Embedding   model.Resolution[[]float32]
}

// NeedsTranslation reports whether the identity must be sent out for a
// translation.
func (s RecordState) NeedsTranslation() bool {
	return !s.HasValidTranslation && !s.Translation.IsResolved()
}

// NeedsEnrichment reports whether the identity must be sent out for a
// description.
func (s RecordState) NeedsEnrichment(skipEnrichment bool) bool {
	return !skipEnrichment && !s.HasValidEnrichment && !s.Enrichment.IsResolved()
}

// Classify computes the state of every record and collects the distinct
// identities that need external work, one representative per identity.
func Classify(records []model.Instrument, cache *SharedCache, skipEnrichment bool) ([]RecordState, []enrichment.Pending) {
	states := make([]RecordState, len(records))
	var pending []enrichment.Pending
	index := make(map[model.IdentityKey]int)

	for i, inst := range records {
		s := classifyRecord(inst, cache)
		states[i] = s

		needT := s.NeedsTranslation()
		needE := s.NeedsEnrichment(skipEnrichment)
		if !needT && !needE {
			continue
		}
		if j, ok := index[s.Key]; ok {
			pending[j].NeedTranslation = pending[j].NeedTranslation || needT
			pending[j].NeedDescription = pending[j].NeedDescription || needE
			continue
		}
		index[s.Key] = len(pending)
		pending = append(pending, enrichment.Pending{
			Key: s.Key,
			Item: enrichment.Item{
				Name:    strings.TrimSpace(inst.NameSource),
				Variant: strings.TrimSpace(inst.NameVariant),
			},
			NeedTranslation: needT,
			NeedDescription: needE,
		})
	}
	return states, pending
}

func classifyRecord(inst model.Instrument, cache *SharedCache) RecordState {
	s := RecordState{
		Instrument:          inst,
		Key:                 model.Identity(inst),
		HasValidTranslation: inst.HasValidTranslation(),
		HasValidEnrichment:  inst.HasValidEnrichment(),
	}
	cachedT, cachedE := cache.Lookup(s.Key)

	s.Translation = cachedT
	if s.HasValidTranslation {
		s.Translation = model.Resolve(inst.NameTarget)
	}
	s.Enrichment = cachedE
	if s.HasValidEnrichment {
		s.Enrichment = model.Resolve(inst.EnrichedText)
	}
	s.Embedding = model.ParseEmbedding(inst.Embedding).Or(cache.Embedding(s.Key))
	return s
}
