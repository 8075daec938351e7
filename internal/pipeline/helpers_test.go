package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/instrument-index/internal/enrichment"
	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/store"
)

const testDims = 3

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seed(t *testing.T, st store.InstrumentStore, insts ...model.Instrument) []model.Instrument {
	t.Helper()
	out := make([]model.Instrument, len(insts))
	for i, inst := range insts {
		created, err := st.CreateInstrument(context.Background(), inst)
		require.NoError(t, err)
		out[i] = *created
	}
	return out
}

func get(t *testing.T, st store.InstrumentStore, id int64) model.Instrument {
	t.Helper()
	inst, err := st.GetInstrument(context.Background(), id)
	require.NoError(t, err)
	return *inst
}

// fakeBackend translates "x" to "EN x" and describes it as "about x".
// Names listed in fail are rejected; err fails every call. With embed set
// results carry a 3-dimension vector, or vector when it is non-nil.
type fakeBackend struct {
	mu     sync.Mutex
	calls  [][]enrichment.Item
	fail   map[string]bool
	err    error
	embed  bool
	vector []float32
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Enrich(_ context.Context, items []enrichment.Item) ([]enrichment.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, append([]enrichment.Item(nil), items...))
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	out := make([]enrichment.Result, 0, len(items))
	for i, it := range items {
		if b.fail[it.Name] {
			if len(items) > 1 {
				return nil, errors.New("batch rejected")
			}
			return nil, errors.New("item rejected")
		}
		r := enrichment.Result{
			Index:       i + 1,
			Translation: model.Resolve("EN " + it.Name),
			Description: model.Resolve("about " + strings.ToLower(it.Name)),
		}
		if b.embed {
			r.Embedding = []float32{9, 9, 9}
			if b.vector != nil {
				r.Embedding = b.vector
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *fakeBackend) items() []enrichment.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []enrichment.Item
	for _, c := range b.calls {
		all = append(all, c...)
	}
	return all
}

// fakeEmbedder returns a vector derived from the text length. Embed goes
// through EmbedBatch, so fail sees single texts too.
type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	fail  func(texts []string) error
	dims  int
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.texts = append(e.texts, texts...)
	e.mu.Unlock()
	if e.fail != nil {
		if err := e.fail(texts); err != nil {
			return nil, err
		}
	}
	dims := e.dims
	if dims == 0 {
		dims = testDims
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, dims)
		v[0] = float32(len(text))
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *fakeEmbedder) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

func newDriver(st store.InstrumentStore, b enrichment.Backend, e Embedder) *Driver {
	return NewDriver(st, enrichment.NewClient(b), e)
}
