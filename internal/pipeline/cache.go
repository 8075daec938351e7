package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/instrument-index/internal/enrichment"
	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/store"
)

// SharedCache maps identities to their best-known derived values for one
// job run. Workers share a single instance; every mutation goes through mu.
type SharedCache struct {
	mu sync.RWMutex

	// dims is the embedding length the cache accepts; 0 accepts any.
	dims int

	translations map[model.IdentityKey]string
	enrichments  map[model.IdentityKey]string
	embeddings   map[model.IdentityKey]model.Resolution[[]float32]
}

// NewSharedCache returns an empty cache that only holds embeddings of
// length dims.
func NewSharedCache(dims int) *SharedCache {
	return &SharedCache{
		dims:         dims,
		translations: make(map[model.IdentityKey]string),
		enrichments:  make(map[model.IdentityKey]string),
		embeddings:   make(map[model.IdentityKey]model.Resolution[[]float32]),
	}
}

// BuildCache scans the store once. Translations and enrichments are picked
// by majority vote over valid stored values; embeddings are first-seen
// among those of length dims.
func BuildCache(ctx context.Context, st store.InstrumentStore, dims int) (*SharedCache, error) {
	c := NewSharedCache(dims)

	translated, err := st.QueryInstruments(ctx, store.Filter{Selection: store.SelectValidTranslation})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load translations")
	}
	for k, v := range vote(translated, func(i model.Instrument) string { return i.NameTarget }) {
		c.translations[k] = v
	}

	enriched, err := st.QueryInstruments(ctx, store.Filter{Selection: store.SelectValidEnrichment})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load enrichments")
	}
	for k, v := range vote(enriched, func(i model.Instrument) string { return i.EnrichedText }) {
		c.enrichments[k] = v
	}

	embedded, err := st.QueryInstruments(ctx, store.Filter{Selection: store.SelectWithEmbedding})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load embeddings")
	}
	for _, inst := range embedded {
		k := model.Identity(inst)
		if _, ok := c.embeddings[k]; !ok && c.fits(inst.Embedding) {
			c.embeddings[k] = model.Resolve(inst.Embedding)
		}
	}

	return c, nil
}

func vote(insts []model.Instrument, value func(model.Instrument) string) map[model.IdentityKey]string {
	tallies := make(map[model.IdentityKey]*model.Tally)
	for _, inst := range insts {
		k := model.Identity(inst)
		t, ok := tallies[k]
		if !ok {
			t = &model.Tally{}
			tallies[k] = t
		}
		t.Add(value(inst))
	}
	out := make(map[model.IdentityKey]string, len(tallies))
	for k, t := range tallies {
		if w, ok := t.Winner(); ok {
			out[k] = w
		}
	}
	return out
}

// Lookup implements enrichment.Cache.
func (c *SharedCache) Lookup(k model.IdentityKey) (model.Resolution[string], model.Resolution[string]) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.translations, k), lookup(c.enrichments, k)
}

func lookup(m map[model.IdentityKey]string, k model.IdentityKey) model.Resolution[string] {
	if v, ok := m[k]; ok {
		return model.Resolve(v)
	}
	return model.Unresolved[string]()
}

// Merge implements enrichment.Cache. Only Resolved values are stored and an
// existing entry is never replaced. An embedding of the wrong length is
// dropped, leaving the identity to EmbedMissing.
func (c *SharedCache) Merge(k model.IdentityKey, r enrichment.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.translations[k]; !ok && r.Translation.IsResolved() {
		c.translations[k] = r.Translation.Value
	}
	if _, ok := c.enrichments[k]; !ok && r.Description.IsResolved() {
		c.enrichments[k] = r.Description.Value
	}
	if len(r.Embedding) > 0 && c.fits(r.Embedding) && r.Translation.IsResolved() && !c.embeddings[k].IsResolved() {
		c.embeddings[k] = model.Resolve(r.Embedding)
	}
}

func (c *SharedCache) fits(v []float32) bool {
	return c.dims <= 0 || len(v) == c.dims
}

// Embedding returns the cached embedding of an identity.
func (c *SharedCache) Embedding(k model.IdentityKey) model.Resolution[[]float32] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.embeddings[k]
}

// SetEmbeddings stores freshly computed embeddings of the cache's length.
// Identities that already hold a resolved embedding keep it.
func (c *SharedCache) SetEmbeddings(vecs map[model.IdentityKey][]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range vecs {
		if c.fits(v) && !c.embeddings[k].IsResolved() {
			c.embeddings[k] = model.Resolve(v)
		}
	}
}

// FailEmbeddings marks identities whose embedding call failed. Later
// batches treat them as missing again.
func (c *SharedCache) FailEmbeddings(keys []model.IdentityKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if !c.embeddings[k].IsResolved() {
			c.embeddings[k] = model.Fail[[]float32]()
		}
	}
}

// Size returns the number of identities with a translation.
func (c *SharedCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.translations)
}
