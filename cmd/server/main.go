// Package main is the entrypoint for the Observatory API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/observatoryhq/observatory/internal/analyzer"
	"github.com/observatoryhq/observatory/internal/api"
	"github.com/observatoryhq/observatory/internal/api/handler"
	mw "github.com/observatoryhq/observatory/internal/api/middleware"
	"github.com/observatoryhq/observatory/internal/api/response"
	"github.com/observatoryhq/observatory/internal/auth"
	"github.com/observatoryhq/observatory/internal/config"
	"github.com/observatoryhq/observatory/internal/jobs"
	"github.com/observatoryhq/observatory/internal/notify"
	"github.com/observatoryhq/observatory/internal/queue"
	"github.com/observatoryhq/observatory/internal/ratelimit"
	"github.com/observatoryhq/observatory/internal/results"
	"github.com/observatoryhq/observatory/internal/validate"
	"github.com/observatoryhq/observatory/internal/worker"
	"github.com/observatoryhq/observatory/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to the credential database
	pool, err := auth.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := auth.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect to Redis (queue, counters, results)
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Admission control
	credStore := auth.NewPostgresStore(pool)
	resolver := auth.NewResolver(credStore)
	limiter := ratelimit.New(ratelimit.NewRedisStore(rdb), cfg.Quotas())

	// 6. Execution core
	resultWriter := results.NewRedisWriter(rdb, cfg.Results.ResultTTL, cfg.Results.MetadataTTL)
	manager := jobs.NewManager(cfg.Jobs.CancelGrace).
		WithTerminalHook(func(job models.Job) {
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := resultWriter.WriteJob(writeCtx, &job); err != nil {
				slog.Error("persist job record", "job_id", job.ID, "error", err)
			}
		})

	jobQueue := queue.New(rdb, queue.Options{
		MaxBatchSize:  cfg.Queue.MaxBatchSize,
		MaxQueueSize:  cfg.Queue.MaxQueueSize,
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryBaseWait: cfg.Queue.RetryBaseWait,
		MetadataTTL:   cfg.Results.MetadataTTL,
	})

	engine := analyzer.NewHTTP(cfg.Analyzer)
	validator := validate.New(cfg.Analyzer.MaxConversationLength)
	notifier := notify.NewWebhook(cfg.Webhook)

	// 7. In-process batch workers
	batchWorkers := worker.NewPool(jobQueue, manager, engine, resultWriter, worker.Options{
		Count:        cfg.Worker.Count,
		PollTimeout:  cfg.Worker.PollTimeout,
		BatchTimeout: cfg.Jobs.AnalysisTimeout * time.Duration(cfg.Queue.MaxBatchSize),
		Notifier:     notifier,
		Validator:    validator,
	})
	workersDone := make(chan struct{})
	go func() {
		batchWorkers.Run(ctx)
		close(workersDone)
	}()

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(resolver),
		RateLimit: mw.NewRateLimit(limiter),

		Analyze: handler.NewAnalyze(manager, engine, validator, cfg.Jobs.AnalysisTimeout),
		Batch:   handler.NewBatch(jobQueue),

		HealthHandler: healthHandler(credStore, jobQueue),
	}
	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-workersDone
	if err := manager.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain jobs: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks credential store and queue backend connectivity.
func healthHandler(store *auth.PostgresStore, q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"queue":    "ok",
		}

		if err := store.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := q.Ping(r.Context()); err != nil {
			checks["queue"] = "degraded"
		}

		if checks["database"] != "ok" || checks["queue"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
