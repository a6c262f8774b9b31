package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/internal/repository"
)

type checkpoint struct {
	jobID     uuid.UUID
	processed int
}

// Tracker persists processed-row checkpoints off the extraction path.
// Checkpoint never blocks and never surfaces store errors: progress is
// advisory telemetry, not a correctness gate.
type Tracker struct {
	jobs   repository.JobRepository
	logger *slog.Logger
	ch     chan checkpoint
	done   chan struct{}
}

func NewTracker(jobs repository.JobRepository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		jobs:   jobs,
		logger: logger,
		ch:     make(chan checkpoint, 64),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	defer close(t.done)
	for cp := range t.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.jobs.SetProcessedRows(ctx, cp.jobID, cp.processed); err != nil {
			t.logger.Warn("checkpoint write failed", "job_id", cp.jobID,
				"processed_rows", cp.processed, "err", err)
		}
		cancel()
	}
}

// Checkpoint records that processed rows have been handled for the job.
// Updates are dropped when the tracker is saturated; a later checkpoint or
// the completion write supersedes them.
func (t *Tracker) Checkpoint(jobID uuid.UUID, processed int) {
	select {
	case t.ch <- checkpoint{jobID: jobID, processed: processed}:
	default:
	}
}

// Close drains queued checkpoints and stops the tracker. Call only after all
// workers have stopped submitting.
func (t *Tracker) Close() {
	close(t.ch)
	<-t.done
}
