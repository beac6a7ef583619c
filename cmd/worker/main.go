// Package main provides the worker application entry point. The worker
// hosts one bounded pool per task type, each pool polling its queue,
// running the matching adapter, and folding the result into the job's
// progress and, once a provider's full task set has landed, its fused
// report.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/provider-validator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/provider-validator/internal/aggregator"
	"github.com/fairyhunter13/provider-validator/internal/config"
	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/idempotency"
	"github.com/fairyhunter13/provider-validator/internal/observability"
	"github.com/fairyhunter13/provider-validator/internal/politeness"
	"github.com/fairyhunter13/provider-validator/internal/queue"
	"github.com/fairyhunter13/provider-validator/internal/ratelimit"
	"github.com/fairyhunter13/provider-validator/internal/resilience"
	"github.com/fairyhunter13/provider-validator/internal/worker"
	"github.com/fairyhunter13/provider-validator/internal/worker/enrichment"
	"github.com/fairyhunter13/provider-validator/internal/worker/geocode"
	"github.com/fairyhunter13/provider-validator/internal/worker/identifier"
	"github.com/fairyhunter13/provider-validator/internal/worker/license"
	"github.com/fairyhunter13/provider-validator/internal/worker/ocr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	collector := aggregator.New(rdb, jobRepo, reportRepo, idemMgr, cfg.IdempotencyTTL)

	limiter := ratelimit.New(rdb)
	breakers := resilience.NewCircuitBreakerManager(cfg.ConnectorConfig, map[string]bool{
		string(domain.TaskLicenseCheck): true,
	})
	politenessMgr := politeness.NewManager(http.DefaultClient, politeness.DefaultUserAgent)

	boards, err := license.LoadBoards(cfg.LicenseBoardConfigPath)
	if err != nil {
		slog.Error("license board config load failed, continuing with no boards", slog.Any("error", err))
		boards = map[string]license.BoardConfig{}
	}

	adapters := map[domain.TaskType]worker.Adapter{
		domain.TaskIdentifierCheck: identifier.New(
			os.Getenv("IDENTIFIER_REGISTRY_URL"), nil,
			worker.NewGuard(string(domain.TaskIdentifierCheck), false, limiter, breakers, politenessMgr, cfg),
			cfg.MockExternalSources),
		domain.TaskGeocode: geocode.New(
			os.Getenv("GEOCODER_URL"), os.Getenv("GEOCODER_API_KEY"), nil,
			worker.NewGuard(string(domain.TaskGeocode), false, limiter, breakers, politenessMgr, cfg),
			cfg.MockExternalSources),
		domain.TaskOCR: ocr.New(
			os.Getenv("OCR_SERVICE_URL"), nil,
			worker.NewGuard(string(domain.TaskOCR), false, limiter, breakers, politenessMgr, cfg),
			cfg.MockExternalSources),
		domain.TaskLicenseCheck: license.New(
			boards, nil,
			worker.NewGuard(string(domain.TaskLicenseCheck), true, limiter, breakers, politenessMgr, cfg),
			cfg.MockExternalSources),
		domain.TaskEnrichment: enrichment.New(
			nil,
			worker.NewGuard(string(domain.TaskEnrichment), false, limiter, breakers, politenessMgr, cfg)),
	}

	var wg sync.WaitGroup
	for taskType, adapter := range adapters {
		consumer, err := queue.NewConsumer(cfg.KafkaBrokers, taskType, cfg.ConsumerGroupPrefix+"-"+string(taskType))
		if err != nil {
			slog.Error("consumer init failed", slog.String("task_type", string(taskType)), slog.Any("error", err))
			os.Exit(1)
		}
		wg.Add(1)
		go runPool(ctx, &wg, taskType, adapter, consumer, collector, cfg.PoolSize(string(taskType)))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	wg.Wait()
	slog.Info("worker stopped")
}

// runPool polls consumer for taskType's queue and dispatches each task
// to adapter through a bounded semaphore of size poolSize, folding every
// result into collector.
func runPool(ctx context.Context, wg *sync.WaitGroup, taskType domain.TaskType, adapter worker.Adapter, consumer *queue.Consumer, collector *aggregator.Collector, poolSize int) {
	defer wg.Done()
	defer consumer.Close()
	if poolSize <= 0 {
		poolSize = 1
	}
	sem := make(chan struct{}, poolSize)
	var inFlight sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			inFlight.Wait()
			return
		default:
		}

		tasks, err := consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				inFlight.Wait()
				return
			}
			slog.Error("poll failed", slog.String("task_type", string(taskType)), slog.Any("error", err))
			continue
		}

		for _, task := range tasks {
			task := task
			sem <- struct{}{}
			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				defer func() { <-sem }()
				if collector.IsCancelled(ctx, task.JobID) {
					slog.Info("skipping task for cancelled job",
						slog.String("task_type", string(taskType)),
						slog.String("job_id", task.JobID),
						slog.String("provider_id", task.ProviderID))
					return
				}
				result := adapter.Execute(ctx, task)
				if err := collector.Record(ctx, task, result); err != nil {
					slog.Error("record result failed",
						slog.String("task_type", string(taskType)),
						slog.String("job_id", task.JobID),
						slog.String("provider_id", task.ProviderID),
						slog.Any("error", err))
				}
			}()
		}
	}
}
