package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sells-group/instrument-index/internal/config"
	"github.com/sells-group/instrument-index/pkg/semantic"
)

// fakeSemantic is an in-process semantic service.
type fakeSemantic struct {
	*httptest.Server
	enrichCalls atomic.Int32
	embedCalls  atomic.Int32
	singleCalls atomic.Int32
	down        atomic.Bool
	batchDown   atomic.Bool
}

func newFakeSemantic(t *testing.T) *fakeSemantic {
	t.Helper()
	f := &fakeSemantic{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if f.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /enrich_batch", func(w http.ResponseWriter, r *http.Request) {
		f.enrichCalls.Add(1)
		var req struct {
			Items []semantic.EnrichItem `json:"items"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]semantic.EnrichResult, len(req.Items))
		for i, it := range req.Items {
			results[i] = semantic.EnrichResult{
				Index:       it.Index,
				Translation: "EN " + it.Name,
				Description: "about " + strings.ToLower(it.Name),
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	mux.HandleFunc("POST /process_batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([]semantic.ProcessResult, len(req.Texts))
		for i, text := range req.Texts {
			out[i] = semantic.ProcessResult{TranslatedText: "EN " + text, EmbeddingEN: []float32{1, 1, 1}}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /process", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(semantic.ProcessResult{TranslatedText: "EN " + req.Text, EmbeddingEN: []float32{1, 1, 1}})
	})
	mux.HandleFunc("POST /embed_en", func(w http.ResponseWriter, r *http.Request) {
		f.singleCalls.Add(1)
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{float32(len(req.Text)), 0, 0}})
	})
	mux.HandleFunc("POST /embed_en_batch", func(w http.ResponseWriter, r *http.Request) {
		f.embedCalls.Add(1)
		if f.batchDown.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req struct {
			Texts []string `json:"texts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Texts))
		for i, text := range req.Texts {
			out[i] = []float32{float32(len(text)), 0, 0}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// useTestConfig installs a config backed by a temp SQLite file and the
// given semantic service URL.
func useTestConfig(t *testing.T, semanticURL string) {
	t.Helper()
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{
		Store:      config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cmd.db")},
		Semantic:   config.SemanticConfig{BaseURL: semanticURL, TimeoutSecs: 5, MaxAttempts: 1},
		Enrichment: config.EnrichmentConfig{Backend: "service", SubBatchSize: 50},
		Embedding:  config.EmbeddingConfig{Dimensions: 3},
		Job:        config.JobConfig{BatchSize: 100, MaxWorkers: 1, MaxConcurrentJobs: 1},
		Server:     config.ServerConfig{Port: 8080},
		Retry:      config.RetryConfig{MaxAttempts: 1, JitterFraction: 0},
		Circuit:    config.CircuitConfig{FailureThreshold: 5, ResetTimeoutSecs: 30},
	}
}
