package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/instrument-index/internal/jobs"
	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/store"
)

func newTestQueue(t *testing.T) *jobs.Queue {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	runner := jobs.RunnerFunc(func(_ context.Context, p model.RunParams, onState func(model.JobState)) (*model.Summary, error) {
		onState(model.JobStateDone)
		return &model.Summary{ProcessedCount: p.BatchSize}, nil
	})
	q := jobs.NewQueue(st, runner, 1)
	t.Cleanup(func() { _ = q.Wait(context.Background()) })
	return q
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	useTestConfig(t, "http://localhost:1")
	q := newTestQueue(t)

	rec := doRequest(t, buildRouter(q, nil), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	down := func(context.Context) error { return errors.New("connection refused") }
	rec = doRequest(t, buildRouter(q, down), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestJobs_SubmitAndGet(t *testing.T) {
	useTestConfig(t, "http://localhost:1")
	cfg.Job.BatchSize = 25
	q := newTestQueue(t)
	h := buildRouter(q, nil)

	rec := doRequest(t, h, http.MethodPost, "/jobs", `{"force":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "/jobs/"+run.ID, rec.Header().Get("Location"))
	assert.True(t, run.Params.Force)
	assert.Equal(t, 25, run.Params.BatchSize)

	var got model.Run
	require.Eventually(t, func() bool {
		rec := doRequest(t, h, http.MethodGet, "/jobs/"+run.ID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		return got.Status == model.RunStatusComplete
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 25, got.Summary.ProcessedCount)

	rec = doRequest(t, h, http.MethodGet, "/jobs?status=complete", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestJobs_EmptyBodyUsesDefaults(t *testing.T) {
	useTestConfig(t, "http://localhost:1")
	cfg.Job.MaxWorkers = 3
	h := buildRouter(newTestQueue(t), nil)

	rec := doRequest(t, h, http.MethodPost, "/jobs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, 3, run.Params.MaxWorkers)
	assert.Equal(t, 100, run.Params.BatchSize)
}

func TestJobs_BadRequests(t *testing.T) {
	useTestConfig(t, "http://localhost:1")
	h := buildRouter(newTestQueue(t), nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"malformed body", http.MethodPost, "/jobs", `{"batch_size":`},
		{"negative batch size", http.MethodPost, "/jobs", `{"batch_size":-1}`},
		{"negative workers", http.MethodPost, "/jobs", `{"max_workers":-2}`},
		{"bad limit", http.MethodGet, "/jobs?limit=abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestJobs_ListEmptyAndNotFound(t *testing.T) {
	useTestConfig(t, "http://localhost:1")
	h := buildRouter(newTestQueue(t), nil)

	rec := doRequest(t, h, http.MethodGet, "/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/jobs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
