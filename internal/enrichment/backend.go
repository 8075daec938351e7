// Package enrichment resolves English translations and search descriptions
// for instrument identities through a pluggable backend.
package enrichment

import (
	"context"

	"github.com/sells-group/instrument-index/internal/model"
)

// Item is one identity sent for enrichment.
type Item struct {
	Name    string
	Variant string
	Info    string
}

// Result is the outcome for one Item. Index is the 1-based position of the
// item in the submitted sub-batch.
type Result struct {
	Index       int
	Translation model.Resolution[string]
	Description model.Resolution[string]
	// Embedding is set by backends that embed the translation themselves.
	Embedding []float32
}

// Backend produces results for a sub-batch. Implementations may return
// results in any order; missing indexes are treated as failures.
type Backend interface {
	Name() string
	Enrich(ctx context.Context, items []Item) ([]Result, error)
}

func failedResult(index int) Result {
	return Result{
		Index:       index,
		Translation: model.Fail[string](),
		Description: model.Fail[string](),
	}
}
