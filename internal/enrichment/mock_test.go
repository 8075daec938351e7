package enrichment

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/pkg/anthropic"
	"github.com/sells-group/instrument-index/pkg/semantic"
)

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// --- Semantic Mock ---

type mockSemanticClient struct {
	mock.Mock
}

func (m *mockSemanticClient) Process(ctx context.Context, text string) (*semantic.ProcessResult, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*semantic.ProcessResult), args.Error(1)
}

func (m *mockSemanticClient) ProcessBatch(ctx context.Context, texts []string) ([]semantic.ProcessResult, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]semantic.ProcessResult), args.Error(1)
}

func (m *mockSemanticClient) EnrichBatch(ctx context.Context, items []semantic.EnrichItem) ([]semantic.EnrichResult, error) {
	args := m.Called(ctx, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]semantic.EnrichResult), args.Error(1)
}

func (m *mockSemanticClient) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *mockSemanticClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *mockSemanticClient) Health(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// --- Function backend ---

type funcBackend struct {
	mu    sync.Mutex
	calls [][]Item
	fn    func(items []Item) ([]Result, error)
}

func (b *funcBackend) Name() string { return "func" }

func (b *funcBackend) Enrich(_ context.Context, items []Item) ([]Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, append([]Item(nil), items...))
	b.mu.Unlock()
	return b.fn(items)
}

func (b *funcBackend) callSizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sizes := make([]int, len(b.calls))
	for i, c := range b.calls {
		sizes[i] = len(c)
	}
	return sizes
}

// echo translates every item to "EN <name>".
func echo(items []Item) ([]Result, error) {
	out := make([]Result, len(items))
	for i, it := range items {
		out[i] = Result{
			Index:       i + 1,
			Translation: model.Resolve("EN " + it.Name),
			Description: model.Resolve("about " + it.Name),
		}
	}
	return out, nil
}

// --- Map cache ---

type mapCache struct {
	translations map[model.IdentityKey]string
	descriptions map[model.IdentityKey]string
}

func newMapCache() *mapCache {
	return &mapCache{
		translations: map[model.IdentityKey]string{},
		descriptions: map[model.IdentityKey]string{},
	}
}

func (c *mapCache) Lookup(key model.IdentityKey) (model.Resolution[string], model.Resolution[string]) {
	tr, desc := model.Unresolved[string](), model.Unresolved[string]()
	if v, ok := c.translations[key]; ok {
		tr = model.Resolve(v)
	}
	if v, ok := c.descriptions[key]; ok {
		desc = model.Resolve(v)
	}
	return tr, desc
}

func (c *mapCache) Merge(key model.IdentityKey, r Result) {
	if r.Translation.IsResolved() {
		c.translations[key] = r.Translation.Value
	}
	if r.Description.IsResolved() {
		c.descriptions[key] = r.Description.Value
	}
}
