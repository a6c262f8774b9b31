package repository

import (
	"context"
	"database/sql"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/sheetflow/sheetflow/internal/common"
)

// Open connects to the job record store. Driver is "pgx" (production) or
// "sqlite" (local mode; pure Go, no external server).
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	logger.Info("connecting to database", "driver", cfg.Driver)
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return nil, err
	}

	if cfg.Driver == "sqlite" {
		// sqlite tolerates a single writer; cascades need the pragma.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		_ = db.Close()
		return nil, err
	}

	logger.Info("successfully connected to database")
	return db, nil
}

// Migrate applies the schema. Statements are idempotent and written in the
// SQL subset shared by Postgres and sqlite.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_job (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL,
			filename        TEXT NOT NULL,
			source_location TEXT NOT NULL,
			source_format   TEXT NOT NULL,
			status          TEXT NOT NULL,
			total_rows      INTEGER,
			processed_rows  INTEGER,
			error_detail    TEXT,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			completed_at    TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_job_owner
			ON processing_job (owner_id, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS extracted_record (
			job_id      TEXT NOT NULL REFERENCES processing_job (id) ON DELETE CASCADE,
			row_number  INTEGER NOT NULL,
			column_name TEXT NOT NULL,
			value       TEXT NOT NULL,
			value_kind  TEXT NOT NULL,
			UNIQUE (job_id, row_number, column_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_extracted_record_job
			ON extracted_record (job_id, row_number, column_name)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("migration failed", "error", err)
			return err
		}
	}
	logger.Info("schema up to date")
	return nil
}

// HealthCheck pings the store to catch DSN issues early.
func HealthCheck(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	logger.Debug("pinging database")
	return db.PingContext(ctx)
}
