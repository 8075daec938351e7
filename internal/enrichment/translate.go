package enrichment

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/pkg/semantic"
)

// TranslateBackend only translates names. The semantic service embeds the
// translation in the same call, so results carry that embedding and no
// description. It serves skip-enrichment runs.
type TranslateBackend struct {
	client semantic.Client
}

// NewTranslateBackend creates a translate-only backend.
func NewTranslateBackend(client semantic.Client) *TranslateBackend {
	return &TranslateBackend{client: client}
}

// Name implements Backend.
func (b *TranslateBackend) Name() string { return "translate" }

// Enrich implements Backend. Single items go to /process, larger
// sub-batches to /process_batch.
func (b *TranslateBackend) Enrich(ctx context.Context, items []Item) ([]Result, error) {
	if len(items) == 1 {
		r, err := b.client.Process(ctx, items[0].Name)
		if err != nil {
			return nil, eris.Wrap(err, "enrichment: translate")
		}
		return []Result{translateResult(1, *r)}, nil
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Name
	}
	resp, err := b.client.ProcessBatch(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: translate batch")
	}

	results := make([]Result, len(resp))
	for i, r := range resp {
		results[i] = translateResult(i+1, r)
	}
	return results, nil
}

func translateResult(index int, r semantic.ProcessResult) Result {
	res := Result{
		Index:       index,
		Translation: model.ParseTranslation(strings.TrimSpace(r.TranslatedText)),
	}
	if res.Translation.IsResolved() && len(r.EmbeddingEN) > 0 {
		res.Embedding = r.EmbeddingEN
	}
	return res
}
