package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/internal/common"
	"github.com/sheetflow/sheetflow/internal/coordinator"
	"github.com/sheetflow/sheetflow/internal/queue"
	"github.com/sheetflow/sheetflow/internal/repository"
	"github.com/sheetflow/sheetflow/internal/storage"
	"github.com/sheetflow/sheetflow/internal/worker"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := repository.Migrate(ctx, db, logger); err != nil {
		logger.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewLocal(cfg.Storage.Dir, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}

	jobs := repository.NewJobRepository(db, cfg.Database.Driver, logger)
	records := repository.NewRecordRepository(db, cfg.Database.Driver, logger)

	tracker := worker.NewTracker(jobs, logger)
	processor := worker.NewProcessor(jobs, records, store, tracker, logger,
		worker.WithBatchSize(cfg.Ingest.BatchSize),
		worker.WithCheckpointEvery(cfg.Ingest.CheckpointEvery),
	)

	policy := queue.Policy{
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.RetryBaseDelay,
	}
	q, err := queue.NewAsynq(cfg.Queue.RedisURL, processor.Process, logger, policy)
	if err != nil {
		logger.Error("failed to initialize queue", "error", err)
		os.Exit(1)
	}
	q.StartWorkers()

	svc := coordinator.NewService(jobs, records, store, q, logger)

	if cfg.Ingest.SweepDir != "" {
		ownerID, err := uuid.Parse(cfg.Ingest.SweepOwnerID)
		if err != nil {
			logger.Error("INGEST_SWEEP_OWNER_ID must be a UUID when INGEST_SWEEP_DIR is set", "error", err)
			os.Exit(1)
		}
		go func() {
			stats, err := svc.SubmitDirectory(ctx, ownerID, cfg.Ingest.SweepDir)
			if err != nil {
				logger.Error("startup sweep failed", "dir", cfg.Ingest.SweepDir, "error", err)
				return
			}
			logger.Info("startup sweep finished", "dir", cfg.Ingest.SweepDir,
				"scanned", stats.Scanned, "matched", stats.Matched,
				"submitted", stats.Submitted, "failed", stats.Failed)
		}()
	}

	logger.Info("sheetflowd running",
		"db_driver", cfg.Database.Driver,
		"queue_concurrency", cfg.Queue.Concurrency,
		"max_attempts", cfg.Queue.MaxAttempts,
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	q.Shutdown(shutdownCtx)
	tracker.Close()
	logger.Info("stopped")
}
