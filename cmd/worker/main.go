// Package main is the entrypoint for a standalone Observatory batch worker.
// It shares the queue backend with the API server, so any number of worker
// processes can drain the same queue without double-delivery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/observatoryhq/observatory/internal/analyzer"
	"github.com/observatoryhq/observatory/internal/config"
	"github.com/observatoryhq/observatory/internal/jobs"
	"github.com/observatoryhq/observatory/internal/notify"
	"github.com/observatoryhq/observatory/internal/queue"
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
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Worker.Count)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	pool := worker.NewPool(jobQueue, manager, analyzer.NewHTTP(cfg.Analyzer), resultWriter, worker.Options{
		Count:        cfg.Worker.Count,
		PollTimeout:  cfg.Worker.PollTimeout,
		BatchTimeout: cfg.Jobs.AnalysisTimeout * time.Duration(cfg.Queue.MaxBatchSize),
		Notifier:     notify.NewWebhook(cfg.Webhook),
		Validator:    validate.New(cfg.Analyzer.MaxConversationLength),
	})

	pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain jobs: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}
