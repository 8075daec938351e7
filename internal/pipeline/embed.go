package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/instrument-index/internal/model"
)

// Embedder turns texts into vectors. EmbedBatch is order-aligned with the
// input; Embed is the single-text fallback.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingText builds the embedding input of an identity. Without a
// resolved translation, or a resolved description outside skip-enrichment
// mode, there is nothing to embed.
func EmbeddingText(translation, description model.Resolution[string], skipEnrichment bool) (string, bool) {
	if !translation.IsResolved() {
		return "", false
	}
	if skipEnrichment {
		return translation.Value, true
	}
	if !description.IsResolved() {
		return "", false
	}
	return translation.Value + ": " + description.Value, true
}

// EmbedMissing computes embeddings for keys in one batch call and stores
// them in cache. Identities without embedding text are skipped. When the
// batch call fails each text is retried on its own; identities still
// without a vector are marked Failed and reported through onError once.
// It returns the number of identities embedded.
func EmbedMissing(ctx context.Context, e Embedder, keys []model.IdentityKey, cache *SharedCache, dims int, skipEnrichment bool, onError func(string)) int {
	var (
		texts []string
		sent  []model.IdentityKey
	)
	for _, k := range keys {
		tr, desc := cache.Lookup(k)
		if text, ok := EmbeddingText(tr, desc, skipEnrichment); ok {
			texts = append(texts, text)
			sent = append(sent, k)
		}
	}
	if len(texts) == 0 {
		return 0
	}

	vecs, err := e.EmbedBatch(ctx, texts)
	if err == nil {
		err = checkVectors(vecs, len(texts), dims)
	}
	if err == nil {
		out := make(map[model.IdentityKey][]float32, len(sent))
		for i, v := range vecs {
			out[sent[i]] = v
		}
		cache.SetEmbeddings(out)
		return len(out)
	}

	zap.L().Warn("pipeline: embedding batch failed, retrying singly",
		zap.Int("identities", len(sent)), zap.Error(err))
	out := make(map[model.IdentityKey][]float32, len(sent))
	var failed []model.IdentityKey
	for i, text := range texts {
		v, itemErr := e.Embed(ctx, text)
		if itemErr == nil {
			itemErr = checkVectors([][]float32{v}, 1, dims)
		}
		if itemErr != nil {
			failed = append(failed, sent[i])
			continue
		}
		out[sent[i]] = v
	}
	cache.SetEmbeddings(out)

	if len(failed) > 0 {
		cache.FailEmbeddings(failed)
		msg := fmt.Sprintf("embedding failed for %d of %d identities: %v", len(failed), len(sent), err)
		zap.L().Error("pipeline: embedding failed", zap.Int("identities", len(failed)), zap.Error(err))
		if onError != nil {
			onError(msg)
		}
	}
	return len(out)
}

func checkVectors(vecs [][]float32, want, dims int) error {
	if len(vecs) != want {
		return eris.Errorf("embedding service returned %d vectors for %d texts", len(vecs), want)
	}
	for _, v := range vecs {
		if len(v) == 0 || (dims > 0 && len(v) != dims) {
			return eris.Errorf("embedding has %d dimensions, want %d", len(v), dims)
		}
	}
	return nil
}
