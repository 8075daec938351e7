// Package pipeline reconciles the semantic index of the instrument registry:
// it fills missing translations, enrichments and embeddings in batches while
// leaving valid stored values untouched.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/instrument-index/internal/enrichment"
	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/store"
)

// DefaultBatchSize is the number of records reconciled per batch.
const DefaultBatchSize = 100

// Options are the invocation parameters of a job run.
type Options struct {
	BatchSize      int
	Force          bool
	MaxWorkers     int
	SkipEnrichment bool
	Dimensions     int

	OnInfo  func(string)
	OnError func(string)
	OnState func(model.JobState)
}

// ParamsOptions converts persisted run parameters into Options.
func ParamsOptions(p model.RunParams) Options {
	return Options{
		BatchSize:      p.BatchSize,
		Force:          p.Force,
		MaxWorkers:     p.MaxWorkers,
		SkipEnrichment: p.SkipEnrichment,
	}
}

// Driver runs precompute jobs against a store.
type Driver struct {
	store    store.InstrumentStore
	enricher *enrichment.Client
	embedder Embedder
}

// NewDriver creates a Driver. enricher must match the run mode: a
// translate-only client for skip-enrichment runs.
func NewDriver(st store.InstrumentStore, enricher *enrichment.Client, embedder Embedder) *Driver {
	return &Driver{store: st, enricher: enricher, embedder: embedder}
}

// Run executes one precompute job. Batch failures are reported through
// OnError and excluded from the tally; only failures to load records or
// build the cache return an error.
func (d *Driver) Run(ctx context.Context, opts Options) (*model.Summary, error) {
	start := time.Now()
	opts = withDefaults(opts)
	log := zap.L().With(
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("max_workers", opts.MaxWorkers),
		zap.Bool("force", opts.Force),
		zap.Bool("skip_enrichment", opts.SkipEnrichment),
	)

	opts.OnState(model.JobStateCollecting)
	selection := store.SelectPending
	if opts.Force {
		selection = store.SelectAll
		opts.OnInfo("Processing all instruments.")
	} else {
		opts.OnInfo("Processing only instruments that need translation, enrichment or embedding.")
	}
	records, err := d.store.QueryInstruments(ctx, store.Filter{Selection: selection, SkipEnrichment: opts.SkipEnrichment})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: collect candidates")
	}

	opts.OnState(model.JobStateBuildingCache)
	cache, err := BuildCache(ctx, d.store, opts.Dimensions)
	if err != nil {
		return nil, err
	}

	// Workers report through the same callbacks.
	var cbMu sync.Mutex
	onError := func(msg string) {
		cbMu.Lock()
		defer cbMu.Unlock()
		opts.OnError(msg)
	}

	rec := &Reconciler{
		Store:          d.store,
		Enricher:       d.enricher,
		Embedder:       d.embedder,
		Cache:          cache,
		Dimensions:     opts.Dimensions,
		SkipEnrichment: opts.SkipEnrichment,
		OnError:        onError,
	}

	batches := partition(records, opts.BatchSize)
	summary := &model.Summary{ProcessedCount: len(records), Batches: len(batches)}
	opts.OnInfo(fmt.Sprintf("Starting to process %d instruments in batches of %d.", len(records), opts.BatchSize))
	log.Info("pipeline: run started", zap.Int("records", len(records)), zap.Int("batches", len(batches)))

	var mu sync.Mutex
	record := func(i int, res BatchResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			summary.FailedBatches++
			log.Error("pipeline: batch failed", zap.Int("batch", i+1), zap.Error(err))
			onError(fmt.Sprintf("Batch %d/%d failed: %v", i+1, len(batches), err))
			return
		}
		summary.Updated += res.Updated
		opts.OnInfo(fmt.Sprintf("Batch %d/%d processed and updated.", i+1, len(batches)))
	}

	// A dispatched batch always runs to completion; cancellation only stops
	// further dispatching.
	batchCtx := context.WithoutCancel(ctx)

	opts.OnState(model.JobStateDispatching)
	if opts.MaxWorkers <= 1 {
		opts.OnState(model.JobStateAwaiting)
		for i, b := range batches {
			if ctx.Err() != nil {
				record(i, BatchResult{}, eris.Wrap(ctx.Err(), "pipeline: not dispatched"))
				continue
			}
			res, err := safeReconcile(batchCtx, rec, b)
			record(i, res, err)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(opts.MaxWorkers)
		for i, b := range batches {
			if ctx.Err() != nil {
				record(i, BatchResult{}, eris.Wrap(ctx.Err(), "pipeline: not dispatched"))
				continue
			}
			g.Go(func() error {
				res, err := safeReconcile(batchCtx, rec, b)
				record(i, res, err)
				return nil
			})
		}
		opts.OnState(model.JobStateAwaiting)
		_ = g.Wait()
	}

	// Counts are taken after the run, so they reflect what is stored.
	countCtx := context.WithoutCancel(ctx)
	complete := store.Filter{Selection: store.SelectComplete, SkipEnrichment: opts.SkipEnrichment}
	if summary.Successful, err = d.store.CountInstruments(countCtx, complete); err != nil {
		return nil, eris.Wrap(err, "pipeline: count successful")
	}
	complete.Selection = store.SelectPending
	if summary.Failed, err = d.store.CountInstruments(countCtx, complete); err != nil {
		return nil, eris.Wrap(err, "pipeline: count failed")
	}
	summary.CacheSize = cache.Size()
	summary.DurationMs = time.Since(start).Milliseconds()

	opts.OnState(model.JobStateDone)
	log.Info("pipeline: run complete",
		zap.Int("processed", summary.ProcessedCount),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("updated", summary.Updated),
		zap.Int("failed_batches", summary.FailedBatches),
		zap.Int64("duration_ms", summary.DurationMs),
	)
	return summary, nil
}

// safeReconcile converts a panic inside a batch into an error.
func safeReconcile(ctx context.Context, rec *Reconciler, batch []model.Instrument) (res BatchResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("pipeline: batch panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = eris.Errorf("pipeline: batch panicked: %v", p)
		}
	}()
	return rec.ReconcileBatch(ctx, batch)
}

func partition(records []model.Instrument, size int) [][]model.Instrument {
	var out [][]model.Instrument
	for start := 0; start < len(records); start += size {
		out = append(out, records[start:min(start+size, len(records))])
	}
	return out
}

func withDefaults(opts Options) Options {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.OnInfo == nil {
		opts.OnInfo = func(string) {}
	}
	if opts.OnError == nil {
		opts.OnError = func(string) {}
	}
	if opts.OnState == nil {
		opts.OnState = func(model.JobState) {}
	}
	return opts
}
