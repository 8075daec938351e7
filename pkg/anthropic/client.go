// Package anthropic wraps the Anthropic Messages API for instrument
// enrichment prompts.
package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// systemCacheTTL keeps the instruction prefix warm across the sub-batches
// of one job.
const systemCacheTTL = "1h"

// Client sends one enrichment prompt and returns the model's text.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is a single-turn prompt. System is sent as one cached
// block when CacheSystem is set.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	CacheSystem bool
	Prompt      string
	Temperature float64
}

// MessageResponse carries the concatenated text blocks and token usage.
type MessageResponse struct {
	Text  string
	Usage TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// haikuPricing is {input, output} USD per million tokens for the default
// enrichment model.
var haikuPricing = [2]float64{0.80, 4.00}

// EstimateCost returns an estimated USD cost, or 0 for models other than
// the default haiku.
func (u TokenUsage) EstimateCost(model string) float64 {
	if !strings.HasPrefix(model, "claude-haiku-4-5") {
		return 0
	}
	in := float64(u.InputTokens) +
		float64(u.CacheCreationInputTokens)*1.25 +
		float64(u.CacheReadInputTokens)*0.1
	return in/1e6*haikuPricing[0] + float64(u.OutputTokens)/1e6*haikuPricing[1]
}

// LogCost logs token usage and estimated cost for one enrichment call.
func (u TokenUsage) LogCost(model string, items int) {
	zap.L().Debug("enrichment llm usage",
		zap.String("model", model),
		zap.Int("items", items),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by anthropic-sdk-go. Extra options
// (base URL, retries) are passed through.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	return &sdkClient{
		client: sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
	}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   req.MaxTokens,
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Temperature: sdk.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{systemBlock(req.System, req.CacheSystem)}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &MessageResponse{
		Text: text.String(),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

func systemBlock(text string, cached bool) sdk.TextBlockParam {
	block := sdk.TextBlockParam{Text: text}
	if cached {
		cc := sdk.NewCacheControlEphemeralParam()
		cc.TTL = sdk.CacheControlEphemeralTTL(systemCacheTTL)
		block.CacheControl = cc
	}
	return block
}
