// Package semantic provides a client for the translation and embedding
// service that backs the instrument index.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/instrument-index/internal/resilience"
)

// Client defines the semantic service operations.
type Client interface {
	// Process translates one Finnish name and embeds the translation.
	Process(ctx context.Context, text string) (*ProcessResult, error)
	// ProcessBatch is Process for many names; results are positional.
	ProcessBatch(ctx context.Context, texts []string) ([]ProcessResult, error)
	// EnrichBatch translates and describes items in one call.
	EnrichBatch(ctx context.Context, items []EnrichItem) ([]EnrichResult, error)
	// Embed returns the English embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds many texts; results are positional.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Health reports whether the service has its models loaded.
	Health(ctx context.Context) error
}

// ProcessResult is one translated name. TranslatedText is "Translation
// Failed" when the service could not translate it.
type ProcessResult struct {
	TranslatedText string    `json:"translated_text"`
	EmbeddingEN    []float32 `json:"embedding_en"`
}

// EnrichItem is one instrument sent for enrichment. Index is 1-based.
type EnrichItem struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Variant string `json:"variant,omitempty"`
	Info    string `json:"info,omitempty"`
}

// EnrichResult pairs a generic English name with a short description.
type EnrichResult struct {
	Index       int    `json:"index"`
	Translation string `json:"translation"`
	Description string `json:"description"`
}

type textRequest struct {
	Text string `json:"text"`
}

type textsRequest struct {
	Texts []string `json:"texts"`
}

type enrichRequest struct {
	Items []EnrichItem `json:"items"`
}

type enrichResponse struct {
	Results []EnrichResult `json:"results"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Option configures the semantic client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithRetry replaces the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a semantic service client for baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends one request with retries on transport errors and transient
// statuses. Any non-200 response is an error.
func (c *httpClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, eris.Wrapf(err, "semantic: marshal %s request", path)
		}
	}

	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("semantic", path)
	}

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrapf(err, "semantic: create %s request", path)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "semantic: %s", path)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(readErr, "semantic: read %s response", path), resp.StatusCode)
		}

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("semantic: %s: unexpected status %d: %s", path, resp.StatusCode, truncate(respBody, 200))
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}
		return respBody, nil
	})
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func post[T any](ctx context.Context, c *httpClient, path string, payload any) (*T, error) {
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrapf(err, "semantic: unmarshal %s response", path)
	}
	return &out, nil
}

func (c *httpClient) Process(ctx context.Context, text string) (*ProcessResult, error) {
	return post[ProcessResult](ctx, c, "/process", textRequest{Text: text})
}

func (c *httpClient) ProcessBatch(ctx context.Context, texts []string) ([]ProcessResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	res, err := post[[]ProcessResult](ctx, c, "/process_batch", textsRequest{Texts: texts})
	if err != nil {
		return nil, err
	}
	if len(*res) != len(texts) {
		return nil, eris.Errorf("semantic: /process_batch: got %d results for %d texts", len(*res), len(texts))
	}
	return *res, nil
}

func (c *httpClient) EnrichBatch(ctx context.Context, items []EnrichItem) ([]EnrichResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	res, err := post[enrichResponse](ctx, c, "/enrich_batch", enrichRequest{Items: items})
	if err != nil {
		return nil, err
	}
	return res.Results, nil
}

func (c *httpClient) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := post[embedResponse](ctx, c, "/embed_en", textRequest{Text: text})
	if err != nil {
		return nil, err
	}
	if len(res.Embedding) == 0 {
		return nil, eris.New("semantic: /embed_en: empty embedding")
	}
	return res.Embedding, nil
}

func (c *httpClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	res, err := post[embedBatchResponse](ctx, c, "/embed_en_batch", textsRequest{Texts: texts})
	if err != nil {
		return nil, err
	}
	if len(res.Embeddings) != len(texts) {
		return nil, eris.Errorf("semantic: /embed_en_batch: got %d embeddings for %d texts", len(res.Embeddings), len(texts))
	}
	return res.Embeddings, nil
}

func (c *httpClient) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	return err
}
