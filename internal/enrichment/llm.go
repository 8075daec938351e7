package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/instrument-index/internal/config"
	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/pkg/anthropic"
)

const enrichSystemPrompt = `You are a laboratory equipment expert. You receive a numbered list of laboratory instruments named in Finnish, optionally with a model or brand.

For every instrument:
1. TRANSLATE: give the most accurate professional English name (e.g. "vetokaappi" -> "Fume Hood"). Use the model/brand only to identify the device type and output the standard generic name, not the brand name (e.g. "Real-Time PCR System", not "LightCycler").
2. DESCRIBE: write a 50-80 word English description in lowercase covering what the equipment is, its primary purpose, common laboratory applications, key capabilities and common industry synonyms ("also known as ..."). Prefer technical keywords over flowery language. Do not repeat brand names.

Respond with only a JSON object of the form:
{"results": [{"index": 1, "translation": "...", "description": "..."}]}
The index must match the number of the instrument in the input list. Return one result per instrument.`

// LLMBackend enriches instruments with the Anthropic Messages API.
type LLMBackend struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewLLMBackend creates an LLM backend from the anthropic config section.
func NewLLMBackend(client anthropic.Client, cfg config.AnthropicConfig) *LLMBackend {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &LLMBackend{client: client, model: cfg.Model, maxTokens: maxTokens}
}

// Name implements Backend.
func (b *LLMBackend) Name() string { return "llm" }

type llmResponse struct {
	Results []struct {
		Index       int    `json:"index"`
		Translation string `json:"translation"`
		Description string `json:"description"`
	} `json:"results"`
}

// Enrich implements Backend.
func (b *LLMBackend) Enrich(ctx context.Context, items []Item) ([]Result, error) {
	resp, err := b.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       b.model,
		MaxTokens:   b.maxTokens,
		System:      enrichSystemPrompt,
		CacheSystem: true,
		Prompt:      buildEnrichPrompt(items),
		Temperature: 0.3,
	})
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: llm request")
	}
	resp.Usage.LogCost(b.model, len(items))

	var parsed llmResponse
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &parsed); err != nil {
		return nil, eris.Wrap(err, "enrichment: parse llm response")
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.Index < 1 || r.Index > len(items) {
			return nil, eris.Errorf("enrichment: llm returned index %d for %d items", r.Index, len(items))
		}
		translation := strings.TrimSpace(r.Translation)
		description := strings.ToLower(strings.TrimSpace(r.Description))
		if translation == "" || description == "" {
			return nil, eris.Errorf("enrichment: llm returned empty fields for index %d", r.Index)
		}
		results = append(results, Result{
			Index:       r.Index,
			Translation: model.ParseTranslation(translation),
			Description: model.ParseEnrichment(description),
		})
	}
	return results, nil
}

func buildEnrichPrompt(items []Item) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Process these %d instruments.\n\n", len(items))
	for i, it := range items {
		fmt.Fprintf(&sb, "%d. Finnish Name: %s", i+1, it.Name)
		if it.Variant != "" {
			fmt.Fprintf(&sb, " | Model/Brand: %s", it.Variant)
		}
		if it.Info != "" {
			fmt.Fprintf(&sb, " | Info: %s", it.Info)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// cleanJSON strips markdown fences and surrounding prose from a model
// response.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
