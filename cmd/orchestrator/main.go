// Package main starts the orchestrator's demonstration HTTP surface: a
// thin chi router translating JSON requests straight into
// internal/orchestrator calls. The wire API itself is out of scope for
// this system (see SPEC_FULL.md); this binary exists so SubmitBatch and
// friends have a reachable entry point alongside the worker pools.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/provider-validator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/provider-validator/internal/config"
	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/idempotency"
	"github.com/fairyhunter13/provider-validator/internal/observability"
	"github.com/fairyhunter13/provider-validator/internal/orchestrator"
	"github.com/fairyhunter13/provider-validator/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	jobRepo := postgres.NewJobRepo(pool)
	reportRepo := postgres.NewReportRepo(pool)
	idemMgr := idempotency.New(rdb, cfg.IdempotencyTTL)

	producers := map[domain.TaskType]orchestrator.TaskProducer{}
	depths := map[domain.TaskType]orchestrator.DepthChecker{}
	for _, t := range domain.AllTaskTypes {
		producer, err := queue.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("producer init failed", slog.String("task_type", string(t)), slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		producers[t] = producer

		probe, err := queue.NewDepthProbe(cfg.KafkaBrokers, t, cfg.ConsumerGroupPrefix+"-"+string(t))
		if err != nil {
			slog.Error("depth probe init failed", slog.String("task_type", string(t)), slog.Any("error", err))
			os.Exit(1)
		}
		defer probe.Close()
		depths[t] = probe
	}

	orch := orchestrator.New(jobRepo, reportRepo, idemMgr, producers, depths, cfg.QueueHighWaterMark)

	handler := buildRouter(cfg, orch)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator http server starting", slog.Int("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

var validate = validator.New()

func buildRouter(cfg config.Config, orch *orchestrator.Orchestrator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowOrigins},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/readyz", readinessHandler(orch))

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/v1/batches", submitBatchHandler(orch))
		wr.Post("/v1/batches/{jobID}/cancel", cancelJobHandler(orch))
	})

	r.Get("/v1/batches/{jobID}", jobStatusHandler(orch))
	r.Get("/v1/batches/{jobID}/reports", listReportsHandler(orch))
	r.Get("/v1/batches/{jobID}/reports/{providerID}", getReportHandler(orch))

	return r
}

type submitBatchRequest struct {
	Fingerprint string                    `json:"fingerprint,omitempty"`
	Providers   []domain.ProviderInput    `json:"providers" validate:"required,min=1,dive"`
	Options     *domain.ValidationOptions `json:"options,omitempty"`
}

func submitBatchHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts := domain.DefaultValidationOptions()
		if req.Options != nil {
			opts = *req.Options
		}
		job, err := orch.SubmitBatch(r.Context(), domain.JobRequest{
			Fingerprint: req.Fingerprint,
			Providers:   req.Providers,
			Options:     opts,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func jobStatusHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := orch.GetJobStatus(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func cancelJobHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := orch.CancelJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listReportsHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := orch.ListValidationReports(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

func getReportHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := orch.GetValidationReport(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "providerID"))
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func readinessHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := orch.Readiness(r.Context())
		status := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, checks)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrQueueBackpressure):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
