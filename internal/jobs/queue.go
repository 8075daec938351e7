// Package jobs runs precompute jobs in the background and persists their
// progress so callers can poll a run by ID.
package jobs

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/store"
)

// Runner executes one job with the given parameters.
type Runner interface {
	Run(ctx context.Context, params model.RunParams, onState func(model.JobState)) (*model.Summary, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, params model.RunParams, onState func(model.JobState)) (*model.Summary, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, params model.RunParams, onState func(model.JobState)) (*model.Summary, error) {
	return f(ctx, params, onState)
}

// Queue persists submitted runs and executes them with bounded concurrency.
type Queue struct {
	runs   store.RunStore
	runner Runner
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Submit before wg.Wait in Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue creates a queue that runs at most maxConcurrent jobs at a time.
func NewQueue(runs store.RunStore, runner Runner, maxConcurrent int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		runs:   runs,
		runner: runner,
		sem:    make(chan struct{}, maxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit persists a queued run and starts it in the background. The
// returned run is the queued snapshot.
func (q *Queue) Submit(ctx context.Context, params model.RunParams) (*model.Run, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, eris.New("jobs: queue is shut down")
	}
	q.wg.Add(1)
	q.mu.Unlock()

	run, err := q.runs.CreateRun(ctx, params)
	if err != nil {
		q.wg.Done()
		return nil, eris.Wrap(err, "jobs: create run")
	}
	go q.execute(run.ID, params)
	return run, nil
}

func (q *Queue) execute(runID string, params model.RunParams) {
	defer q.wg.Done()
	log := zap.L().With(zap.String("run_id", runID))

	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-q.ctx.Done():
		q.finish(runID, nil, eris.New("jobs: cancelled before start"))
		return
	}

	// Status writes must land even when the queue is shutting down.
	bg := context.WithoutCancel(q.ctx)
	if err := q.runs.UpdateRunStatus(bg, runID, model.RunStatusRunning); err != nil {
		log.Error("jobs: mark running", zap.Error(err))
	}
	log.Info("jobs: run started", zap.Any("params", params))

	summary, err := q.safeRun(runID, params, func(s model.JobState) {
		if err := q.runs.UpdateRunState(bg, runID, s); err != nil {
			log.Warn("jobs: update state", zap.String("state", string(s)), zap.Error(err))
		}
	})
	q.finish(runID, summary, err)
}

func (q *Queue) safeRun(runID string, params model.RunParams, onState func(model.JobState)) (summary *model.Summary, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("jobs: run %s panicked: %v", runID, p)
		}
	}()
	return q.runner.Run(q.ctx, params, onState)
}

func (q *Queue) finish(runID string, summary *model.Summary, runErr error) {
	log := zap.L().With(zap.String("run_id", runID))
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
		log.Error("jobs: run failed", zap.Error(runErr))
	} else {
		log.Info("jobs: run complete",
			zap.Int("processed", summary.ProcessedCount),
			zap.Int("successful", summary.Successful),
			zap.Int("failed", summary.Failed),
		)
	}
	if err := q.runs.UpdateRunResult(context.WithoutCancel(q.ctx), runID, summary, msg); err != nil {
		log.Error("jobs: store result", zap.Error(err))
	}
}

// Get returns a run by ID.
func (q *Queue) Get(ctx context.Context, runID string) (*model.Run, error) {
	return q.runs.GetRun(ctx, runID)
}

// List returns runs matching filter, newest first.
func (q *Queue) List(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	return q.runs.ListRuns(ctx, filter)
}

// Wait blocks until every submitted run finished or ctx is done. Runs that
// have not started yet are cancelled; running jobs finish their dispatched
// batches.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "jobs: wait")
	}
}
