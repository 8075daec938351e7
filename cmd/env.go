package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/instrument-index/internal/enrichment"
	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/pipeline"
	"github.com/sells-group/instrument-index/internal/resilience"
	"github.com/sells-group/instrument-index/internal/store"
	anthropicpkg "github.com/sells-group/instrument-index/pkg/anthropic"
	"github.com/sells-group/instrument-index/pkg/semantic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "instruments.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// appEnv holds the store and service clients shared by the precompute and
// serve commands.
type appEnv struct {
	Store      store.Store
	Semantic   semantic.Client
	Enricher   *enrichment.Client
	Translator *enrichment.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens and migrates the store and
// builds the enrichment clients. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	retry := resilience.FromRetryConfig(cfg.Retry)
	if cfg.Semantic.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Semantic.MaxAttempts
	}
	sem := semantic.NewClient(cfg.Semantic.BaseURL,
		semantic.WithTimeout(time.Duration(cfg.Semantic.TimeoutSecs)*time.Second),
		semantic.WithRetry(retry),
	)

	var backend enrichment.Backend
	switch cfg.Enrichment.Backend {
	case "llm":
		backend = enrichment.NewLLMBackend(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic)
	default:
		backend = enrichment.NewServiceBackend(sem)
	}

	limit := rate.Inf
	if cfg.Enrichment.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.Enrichment.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, max(cfg.Enrichment.Burst, 1))
	newClient := func(b enrichment.Backend) *enrichment.Client {
		breakerCfg := resilience.FromCircuitConfig(cfg.Circuit)
		breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("enrichment circuit changed",
				zap.String("backend", b.Name()),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
		return enrichment.NewClient(b,
			enrichment.WithSubBatchSize(cfg.Enrichment.SubBatchSize),
			enrichment.WithLimiter(limiter),
			enrichment.WithBreaker(resilience.NewCircuitBreaker(breakerCfg)),
		)
	}

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("enrichment_backend", backend.Name()),
		zap.String("semantic_url", cfg.Semantic.BaseURL),
	)

	return &appEnv{
		Store:      st,
		Semantic:   sem,
		Enricher:   newClient(backend),
		Translator: newClient(enrichment.NewTranslateBackend(sem)),
	}, nil
}

// runJob runs the pipeline with the enrichment client matching the run mode.
func (e *appEnv) runJob(ctx context.Context, opts pipeline.Options) (*model.Summary, error) {
	enricher := e.Enricher
	if opts.SkipEnrichment {
		enricher = e.Translator
	}
	if opts.Dimensions == 0 {
		opts.Dimensions = cfg.Embedding.Dimensions
	}
	return pipeline.NewDriver(e.Store, enricher, e.Semantic).Run(ctx, opts)
}

// Run implements jobs.Runner, logging callbacks through zap.
func (e *appEnv) Run(ctx context.Context, params model.RunParams, onState func(model.JobState)) (*model.Summary, error) {
	opts := pipeline.ParamsOptions(params)
	opts.OnState = onState
	opts.OnInfo = func(msg string) { zap.L().Info(msg) }
	opts.OnError = func(msg string) { zap.L().Warn(msg) }
	return e.runJob(ctx, opts)
}

// withJobDefaults fills unset run parameters from the job config.
func withJobDefaults(p model.RunParams) model.RunParams {
	if p.BatchSize <= 0 {
		p.BatchSize = cfg.Job.BatchSize
	}
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = cfg.Job.MaxWorkers
	}
	return p
}
