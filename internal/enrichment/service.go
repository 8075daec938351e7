package enrichment

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/pkg/semantic"
)

// ServiceBackend enriches instruments through the semantic service's
// /enrich_batch endpoint.
type ServiceBackend struct {
	client semantic.Client
}

// NewServiceBackend creates a backend on top of a semantic service client.
func NewServiceBackend(client semantic.Client) *ServiceBackend {
	return &ServiceBackend{client: client}
}

// Name implements Backend.
func (b *ServiceBackend) Name() string { return "service" }

// Enrich implements Backend.
func (b *ServiceBackend) Enrich(ctx context.Context, items []Item) ([]Result, error) {
	req := make([]semantic.EnrichItem, len(items))
	for i, it := range items {
		req[i] = semantic.EnrichItem{Index: i + 1, Name: it.Name, Variant: it.Variant, Info: it.Info}
	}

	resp, err := b.client.EnrichBatch(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: service request")
	}

	results := make([]Result, len(resp))
	for i, r := range resp {
		results[i] = Result{
			Index:       r.Index,
			Translation: model.ParseTranslation(strings.TrimSpace(r.Translation)),
			Description: model.ParseEnrichment(strings.ToLower(strings.TrimSpace(r.Description))),
		}
	}
	return results, nil
}
