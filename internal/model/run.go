package model

import "time"

// RunStatus represents the current state of a precompute job run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// JobState is a step of the job driver state machine.
type JobState string

const (
	JobStateCollecting    JobState = "collecting"
	JobStateBuildingCache JobState = "building_cache"
	JobStateDispatching   JobState = "dispatching"
	JobStateAwaiting      JobState = "awaiting"
	JobStateDone          JobState = "done"
)

// RunParams are the invocation parameters of a precompute job.
type RunParams struct {
	BatchSize      int  `json:"batch_size"`
	Force          bool `json:"force"`
	MaxWorkers     int  `json:"max_workers"`
	SkipEnrichment bool `json:"skip_enrichment"`
}

// Summary is returned by every precompute job, including ones where
// batches failed.
type Summary struct {
	ProcessedCount int   `json:"processed_count"`
	Successful     int   `json:"successful"`
	Failed         int   `json:"failed"`
	CacheSize      int   `json:"cache_size"`
	Batches        int   `json:"batches"`
	FailedBatches  int   `json:"failed_batches"`
	Updated        int   `json:"updated"`
	DurationMs     int64 `json:"duration_ms"`
}

// Run is a persisted precompute job.
type Run struct {
	ID        string    `json:"id"`
	Params    RunParams `json:"params"`
	Status    RunStatus `json:"status"`
	State     JobState  `json:"state,omitempty"`
	Summary   *Summary  `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
