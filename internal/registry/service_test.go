package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewService(st), st
}

func mustCreate(t *testing.T, s *Service, inst model.Instrument) *model.Instrument {
	t.Helper()
	created, err := s.Create(context.Background(), inst)
	require.NoError(t, err)
	return created
}

func TestCreate_NewIdentity(t *testing.T) {
	s, _ := newTestService(t)

	got := mustCreate(t, s, model.Instrument{NameSource: "  Mikroskooppi ", NameVariant: "Zeiss"})

	assert.NotZero(t, got.ID)
	assert.Equal(t, "Mikroskooppi", got.NameSource)
	assert.Empty(t, got.NameTarget)
	assert.Empty(t, got.EnrichedText)
	assert.Nil(t, got.Embedding)
}

func TestCreate_ReusesMajority(t *testing.T) {
	s, _ := newTestService(t)
	mustCreate(t, s, model.Instrument{NameSource: "Mikroskooppi", NameTarget: "Scope", EnrichedText: "scope text", Embedding: []float32{1}})
	mustCreate(t, s, model.Instrument{NameSource: "Mikroskooppi", NameTarget: "Microscope", EnrichedText: "microscope text", Embedding: []float32{2}})
	mustCreate(t, s, model.Instrument{NameSource: "mikroskooppi", NameTarget: "Microscope", Embedding: []float32{3}})
	mustCreate(t, s, model.Instrument{NameSource: "Mikroskooppi", NameVariant: "Other", NameTarget: "Other"})

	got := mustCreate(t, s, model.Instrument{NameSource: "MIKROSKOOPPI"})

	assert.Equal(t, "Microscope", got.NameTarget)
	assert.Equal(t, "microscope text", got.EnrichedText)
	assert.Equal(t, []float32{2}, got.Embedding)
}

func TestCreate_SuppliedValuesWin(t *testing.T) {
	s, _ := newTestService(t)
	mustCreate(t, s, model.Instrument{NameSource: "Vaaka", NameTarget: "Scale", EnrichedText: "weighs", Embedding: []float32{1}})

	got := mustCreate(t, s, model.Instrument{NameSource: "Vaaka", NameTarget: "Balance"})

	assert.Equal(t, "Balance", got.NameTarget)
	assert.Equal(t, "weighs", got.EnrichedText)
	assert.Nil(t, got.Embedding, "an embedding of another translation is not reused")
}

func TestCreate_IgnoresFailedTranslations(t *testing.T) {
	s, _ := newTestService(t)
	mustCreate(t, s, model.Instrument{NameSource: "Vaaka", NameTarget: model.TranslationFailed})

	got := mustCreate(t, s, model.Instrument{NameSource: "Vaaka"})
	assert.Empty(t, got.NameTarget)
}

func TestCreate_RequiresName(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Create(context.Background(), model.Instrument{NameSource: "  "})
	assert.ErrorContains(t, err, "name_source is required")
}

func TestPropagateToDuplicates(t *testing.T) {
	s, st := newTestService(t)
	src := mustCreate(t, s, model.Instrument{NameSource: "Vaaka"})
	dup := mustCreate(t, s, model.Instrument{NameSource: "vaaka", NameTarget: "Old"})
	other := mustCreate(t, s, model.Instrument{NameSource: "Vaaka", NameVariant: "Mettler"})

	require.NoError(t, st.BulkWrite(context.Background(), []model.Instrument{{
		ID: src.ID, NameTarget: "Scale", EnrichedText: "weighs", Embedding: []float32{4, 5},
	}}, model.DerivedFields))

	n, err := s.PropagateToDuplicates(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetInstrument(context.Background(), dup.ID)
	require.NoError(t, err)
	assert.Equal(t, "Scale", got.NameTarget)
	assert.Equal(t, "weighs", got.EnrichedText)
	assert.Equal(t, []float32{4, 5}, got.Embedding)

	untouched, err := st.GetInstrument(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Empty(t, untouched.NameTarget)
}

func TestPropagateToDuplicates_Errors(t *testing.T) {
	s, _ := newTestService(t)
	src := mustCreate(t, s, model.Instrument{NameSource: "Vaaka"})

	_, err := s.PropagateToDuplicates(context.Background(), src.ID)
	assert.ErrorContains(t, err, "no valid translation")

	_, err = s.PropagateToDuplicates(context.Background(), 999)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPropagateToDuplicates_NoDuplicates(t *testing.T) {
	s, _ := newTestService(t)
	src := mustCreate(t, s, model.Instrument{NameSource: "Vaaka", NameTarget: "Scale"})

	n, err := s.PropagateToDuplicates(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type stubEmbedder struct {
	texts []string
	vec   []float32
	err   error
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.texts = append(e.texts, text)
	return e.vec, e.err
}

func seedDerived(t *testing.T, st *store.SQLiteStore, inst model.Instrument) {
	t.Helper()
	require.NoError(t, st.BulkWrite(context.Background(), []model.Instrument{inst}, model.DerivedFields))
}

func TestUpdateTranslation_Reembeds(t *testing.T) {
	_, st := newTestService(t)
	emb := &stubEmbedder{vec: []float32{7, 8, 9}}
	s := NewService(st, WithEmbedder(emb, 3))
	src := mustCreate(t, s, model.Instrument{NameSource: "Vaaka"})
	seedDerived(t, st, model.Instrument{ID: src.ID, NameTarget: "Scal", EnrichedText: "weighs samples", Embedding: []float32{1, 1, 1}})

	got, n, err := s.UpdateTranslation(context.Background(), src.ID, " Scale ", false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "Scale", got.NameTarget)
	assert.Equal(t, []string{"Scale: weighs samples"}, emb.texts)

	stored, err := st.GetInstrument(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, "Scale", stored.NameTarget)
	assert.Equal(t, "weighs samples", stored.EnrichedText)
	assert.Equal(t, []float32{7, 8, 9}, stored.Embedding)
}

func TestUpdateTranslation_ClearsStaleEmbedding(t *testing.T) {
	tests := []struct {
		name     string
		embedder Embedder
	}{
		{name: "no embedder"},
		{name: "embedder error", embedder: &stubEmbedder{err: errors.New("connection refused")}},
		{name: "wrong length", embedder: &stubEmbedder{vec: []float32{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, st := newTestService(t)
			var opts []Option
			if tt.embedder != nil {
				opts = append(opts, WithEmbedder(tt.embedder, 3))
			}
			s := NewService(st, opts...)
			src := mustCreate(t, s, model.Instrument{NameSource: "Vaaka"})
			seedDerived(t, st, model.Instrument{ID: src.ID, NameTarget: "Scal", EnrichedText: "weighs", Embedding: []float32{1, 1, 1}})

			_, _, err := s.UpdateTranslation(context.Background(), src.ID, "Scale", false)
			require.NoError(t, err)

			stored, err := st.GetInstrument(context.Background(), src.ID)
			require.NoError(t, err)
			assert.Equal(t, "Scale", stored.NameTarget)
			assert.Nil(t, stored.Embedding)
		})
	}
}

func TestUpdateTranslation_Propagates(t *testing.T) {
	_, st := newTestService(t)
	s := NewService(st, WithEmbedder(&stubEmbedder{vec: []float32{7, 8, 9}}, 3))
	src := mustCreate(t, s, model.Instrument{NameSource: "Vaaka"})
	dup := mustCreate(t, s, model.Instrument{NameSource: "vaaka"})
	seedDerived(t, st, model.Instrument{ID: src.ID, NameTarget: "Scal", EnrichedText: "weighs"})

	_, n, err := s.UpdateTranslation(context.Background(), src.ID, "Scale", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetInstrument(context.Background(), dup.ID)
	require.NoError(t, err)
	assert.Equal(t, "Scale", got.NameTarget)
	assert.Equal(t, []float32{7, 8, 9}, got.Embedding)
}

func TestUpdateTranslation_Errors(t *testing.T) {
	s, _ := newTestService(t)
	src := mustCreate(t, s, model.Instrument{NameSource: "Vaaka"})

	_, _, err := s.UpdateTranslation(context.Background(), src.ID, "  ", false)
	assert.ErrorContains(t, err, "not a valid translation")

	_, _, err = s.UpdateTranslation(context.Background(), src.ID, model.TranslationFailed, false)
	assert.ErrorContains(t, err, "not a valid translation")

	_, _, err = s.UpdateTranslation(context.Background(), 999, "Scale", false)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
