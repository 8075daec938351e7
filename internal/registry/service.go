// Package registry creates instrument records and keeps records that share
// an identity consistent with each other.
package registry

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/pipeline"
	"github.com/sells-group/instrument-index/internal/store"
)

// Embedder embeds a single text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service is the registry layer on top of the instrument store.
type Service struct {
	store    store.InstrumentStore
	embedder Embedder
	dims     int
}

// Option configures a Service.
type Option func(*Service)

// WithEmbedder lets edits recompute embeddings of length dims right away
// instead of leaving them to the next precompute run.
func WithEmbedder(e Embedder, dims int) Option {
	return func(s *Service) {
		s.embedder = e
		s.dims = dims
	}
}

// NewService creates a registry service.
func NewService(st store.InstrumentStore, opts ...Option) *Service {
	s := &Service{store: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new instrument. When records with the same identity
// already carry a valid translation, the derived fields of the record with
// the majority translation are reused; values supplied on inst win.
// Otherwise the derived fields stay empty for the next precompute run.
func (s *Service) Create(ctx context.Context, inst model.Instrument) (*model.Instrument, error) {
	inst.NameSource = strings.TrimSpace(inst.NameSource)
	inst.NameVariant = strings.TrimSpace(inst.NameVariant)
	if inst.NameSource == "" {
		return nil, eris.New("registry: name_source is required")
	}

	donor, err := s.findExisting(ctx, inst)
	if err != nil {
		return nil, err
	}
	if donor != nil {
		if !inst.HasValidTranslation() {
			inst.NameTarget = donor.NameTarget
		}
		if !inst.HasValidEnrichment() && donor.HasValidEnrichment() {
			inst.EnrichedText = donor.EnrichedText
		}
		if !inst.HasEmbedding() && donor.HasEmbedding() && inst.NameTarget == donor.NameTarget {
			inst.Embedding = donor.Embedding
		}
		zap.L().Debug("registry: reusing derived fields",
			zap.String("identity", model.Identity(inst).String()),
			zap.Int64("donor_id", donor.ID),
		)
	}

	created, err := s.store.CreateInstrument(ctx, inst)
	if err != nil {
		return nil, eris.Wrap(err, "registry: create instrument")
	}
	return created, nil
}

// UpdateTranslation stores a user-edited translation for one record. The
// embedding built from the old text is recomputed, or cleared when no
// embedder is configured or the record lacks a valid enrichment; precompute
// fills cleared embeddings. With propagate the edit is copied to every
// record sharing the identity. It returns the updated record and the number
// of duplicates updated.
func (s *Service) UpdateTranslation(ctx context.Context, id int64, nameTarget string, propagate bool) (*model.Instrument, int, error) {
	nameTarget = strings.TrimSpace(nameTarget)
	if !model.ParseTranslation(nameTarget).IsResolved() {
		return nil, 0, eris.Errorf("registry: %q is not a valid translation", nameTarget)
	}

	inst, err := s.store.GetInstrument(ctx, id)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "registry: load instrument %d", id)
	}

	if inst.NameTarget != nameTarget || !inst.HasEmbedding() {
		inst.NameTarget = nameTarget
		inst.Embedding = s.embed(ctx, *inst)
		fields := []model.Field{model.FieldNameTarget, model.FieldEmbedding}
		if err := s.store.BulkWrite(ctx, []model.Instrument{*inst}, fields); err != nil {
			return nil, 0, eris.Wrapf(err, "registry: update instrument %d", id)
		}
		zap.L().Info("registry: translation updated",
			zap.Int64("id", id),
			zap.Bool("embedded", inst.HasEmbedding()),
		)
	}

	if !propagate {
		return inst, 0, nil
	}
	n, err := s.PropagateToDuplicates(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return inst, n, nil
}

func (s *Service) embed(ctx context.Context, inst model.Instrument) []float32 {
	if s.embedder == nil {
		return nil
	}
	text, ok := pipeline.EmbeddingText(model.ParseTranslation(inst.NameTarget), model.ParseEnrichment(inst.EnrichedText), false)
	if !ok {
		return nil
	}
	v, err := s.embedder.Embed(ctx, text)
	if err == nil && (len(v) == 0 || (s.dims > 0 && len(v) != s.dims)) {
		err = eris.Errorf("registry: embedding has %d dimensions, want %d", len(v), s.dims)
	}
	if err != nil {
		zap.L().Warn("registry: embedding left for precompute", zap.Int64("id", inst.ID), zap.Error(err))
		return nil
	}
	return v
}

// findExisting returns the first record whose translation won the majority
// vote among records sharing inst's identity, or nil.
func (s *Service) findExisting(ctx context.Context, inst model.Instrument) (*model.Instrument, error) {
	same, err := s.store.QueryInstruments(ctx, store.Filter{
		Selection: store.SelectValidTranslation,
		Name:      &inst.NameSource,
		Variant:   &inst.NameVariant,
	})
	if err != nil {
		return nil, eris.Wrap(err, "registry: find existing translation")
	}

	var tally model.Tally
	for _, r := range same {
		tally.Add(r.NameTarget)
	}
	winner, ok := tally.Winner()
	if !ok {
		return nil, nil
	}
	for i := range same {
		if same[i].NameTarget == winner {
			return &same[i], nil
		}
	}
	return nil, nil
}

// PropagateToDuplicates copies the derived fields of one record to every
// other record with the same identity in a single write. It returns the
// number of records updated.
func (s *Service) PropagateToDuplicates(ctx context.Context, id int64) (int, error) {
	src, err := s.store.GetInstrument(ctx, id)
	if err != nil {
		return 0, eris.Wrapf(err, "registry: load instrument %d", id)
	}
	if !src.HasValidTranslation() {
		return 0, eris.Errorf("registry: instrument %d has no valid translation to propagate", id)
	}

	same, err := s.store.QueryInstruments(ctx, store.Filter{
		Selection: store.SelectAll,
		Name:      &src.NameSource,
		Variant:   &src.NameVariant,
	})
	if err != nil {
		return 0, eris.Wrap(err, "registry: find duplicates")
	}

	var dups []model.Instrument
	for _, d := range same {
		if d.ID == src.ID {
			continue
		}
		d.NameTarget = src.NameTarget
		d.EnrichedText = src.EnrichedText
		d.Embedding = src.Embedding
		dups = append(dups, d)
	}
	if len(dups) == 0 {
		return 0, nil
	}

	if err := s.store.BulkWrite(ctx, dups, model.DerivedFields); err != nil {
		return 0, eris.Wrap(err, "registry: propagate to duplicates")
	}
	zap.L().Info("registry: propagated derived fields",
		zap.Int64("source_id", src.ID),
		zap.Int("updated", len(dups)),
	)
	return len(dups), nil
}
