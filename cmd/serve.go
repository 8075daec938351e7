package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/instrument-index/internal/jobs"
	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API for precompute runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		queue := jobs.NewQueue(env.Store, env, cfg.Job.MaxConcurrentJobs)

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(queue, env.Semantic.Health),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if err := queue.Wait(shutdownCtx); err != nil {
				zap.L().Warn("jobs still running at shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the job API. health checks the downstream semantic
// service; it may be nil.
func buildRouter(queue *jobs.Queue, health func(context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "degraded",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var params model.RunParams
			if r.ContentLength != 0 {
				if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
					writeError(w, http.StatusBadRequest, "invalid request body")
					return
				}
			}
			if params.BatchSize < 0 || params.MaxWorkers < 0 {
				writeError(w, http.StatusBadRequest, "batch_size and max_workers must not be negative")
				return
			}

			run, err := queue.Submit(r.Context(), withJobDefaults(params))
			if err != nil {
				zap.L().Error("submit job", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "could not submit job")
				return
			}
			w.Header().Set("Location", "/jobs/"+run.ID)
			writeJSON(w, http.StatusAccepted, run)
		})

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			filter := store.RunFilter{Status: model.RunStatus(r.URL.Query().Get("status"))}
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, "invalid limit")
					return
				}
				filter.Limit = n
			}
			runs, err := queue.List(r.Context(), filter)
			if err != nil {
				zap.L().Error("list jobs", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "could not list jobs")
				return
			}
			if runs == nil {
				runs = []model.Run{}
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			run, err := queue.Get(r.Context(), chi.URLParam(r, "id"))
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			if err != nil {
				zap.L().Error("get job", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "could not load job")
				return
			}
			writeJSON(w, http.StatusOK, run)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
