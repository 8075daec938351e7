package enrichment

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/resilience"
)

// DefaultSubBatchSize bounds the number of items per backend call.
const DefaultSubBatchSize = 50

// Client splits work into sub-batches, throttles and guards backend calls,
// and degrades failures to per-item results. It is safe for concurrent use.
type Client struct {
	backend      Backend
	subBatchSize int
	limiter      *rate.Limiter
	breaker      *resilience.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithSubBatchSize overrides DefaultSubBatchSize.
func WithSubBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.subBatchSize = n
		}
	}
}

// WithLimiter throttles backend calls.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithBreaker guards backend calls with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// NewClient creates a Client around a backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend:      backend,
		subBatchSize: DefaultSubBatchSize,
		limiter:      rate.NewLimiter(rate.Inf, 1),
		breaker:      resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Backend returns the backend name.
func (c *Client) Backend() string { return c.backend.Name() }

// Enrich returns one result per item, in item order. A sub-batch that fails
// is retried item by item; an item that still fails resolves to Failed for
// both fields. Enrich never returns an error.
func (c *Client) Enrich(ctx context.Context, items []Item) []Result {
	out := make([]Result, 0, len(items))
	for start := 0; start < len(items); start += c.subBatchSize {
		end := min(start+c.subBatchSize, len(items))
		sub := items[start:end]

		results, err := c.call(ctx, sub)
		if err == nil {
			out = append(out, results...)
			continue
		}

		if len(sub) == 1 {
			zap.L().Error("enrichment: single item failed",
				zap.String("backend", c.backend.Name()),
				zap.String("name", sub[0].Name),
				zap.Error(err),
			)
			out = append(out, failedResult(1))
			continue
		}

		zap.L().Warn("enrichment: sub-batch failed, retrying individually",
			zap.String("backend", c.backend.Name()),
			zap.Int("size", len(sub)),
			zap.Error(err),
		)
		for _, it := range sub {
			single, err := c.call(ctx, []Item{it})
			if err != nil {
				zap.L().Error("enrichment: single item failed",
					zap.String("backend", c.backend.Name()),
					zap.String("name", it.Name),
					zap.Error(err),
				)
				out = append(out, failedResult(1))
				continue
			}
			out = append(out, single[0])
		}
	}

	for i := range out {
		out[i].Index = i + 1
	}
	return out
}

// call runs one backend request and aligns its results by index.
func (c *Client) call(ctx context.Context, items []Item) ([]Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "enrichment: rate limit")
	}
	results, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]Result, error) {
		return c.backend.Enrich(ctx, items)
	})
	if err != nil {
		return nil, err
	}
	return align(results, len(items))
}

// align places results by their 1-based index. Indexes the backend did not
// return stay Failed.
func align(results []Result, n int) ([]Result, error) {
	out := make([]Result, n)
	seen := make([]bool, n)
	for i := range out {
		out[i] = failedResult(i + 1)
	}
	for _, r := range results {
		idx := r.Index - 1
		if idx < 0 || idx >= n {
			return nil, eris.Errorf("enrichment: result index %d out of range for %d items", r.Index, n)
		}
		if seen[idx] {
			return nil, eris.Errorf("enrichment: duplicate result index %d", r.Index)
		}
		seen[idx] = true
		if r.Translation.IsUnresolved() {
			r.Translation = model.Fail[string]()
		}
		out[idx] = r
	}
	return out, nil
}

// Pending is a distinct identity that still lacks a translation or a
// description.
type Pending struct {
	Key             model.IdentityKey
	Item            Item
	NeedTranslation bool
	NeedDescription bool
}

// Cache is the shared identity cache the client reads and merges into.
type Cache interface {
	Lookup(key model.IdentityKey) (translation, description model.Resolution[string])
	Merge(key model.IdentityKey, r Result)
}

// EnrichIdentities resolves pending identities and merges Resolved values
// into cache. Identities another worker resolved in the meantime are skipped.
// Failures are reported through onError and are never cached. It returns the
// number of identities sent to the backend.
func (c *Client) EnrichIdentities(ctx context.Context, pending []Pending, cache Cache, onError func(string)) int {
	var (
		keys  []model.IdentityKey
		items []Item
	)
	for _, p := range pending {
		tr, desc := cache.Lookup(p.Key)
		if (!p.NeedTranslation || tr.IsResolved()) && (!p.NeedDescription || desc.IsResolved()) {
			continue
		}
		keys = append(keys, p.Key)
		items = append(items, p.Item)
	}
	if len(items) == 0 {
		return 0
	}

	zap.L().Info("enrichment: resolving identities",
		zap.String("backend", c.backend.Name()),
		zap.Int("identities", len(items)),
	)
	results := c.Enrich(ctx, items)

	failed := 0
	for i, r := range results {
		if r.Translation.IsFailed() {
			failed++
		}
		cache.Merge(keys[i], r)
	}
	if failed > 0 && onError != nil {
		onError(fmt.Sprintf("enrichment failed for %d of %d identities", failed, len(items)))
	}
	return len(items)
}
