// Package worker executes delivered jobs: it owns every status transition a
// job makes between dequeue and its terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/constants"
	"github.com/sheetflow/sheetflow/internal/common"
	"github.com/sheetflow/sheetflow/internal/entity"
	"github.com/sheetflow/sheetflow/internal/extract"
	"github.com/sheetflow/sheetflow/internal/repository"
	"github.com/sheetflow/sheetflow/internal/storage"
)

const (
	// DefaultBatchSize bounds transaction size and memory while amortizing
	// per-call persistence overhead.
	DefaultBatchSize = 100
	// DefaultCheckpointEvery trades checkpoint write overhead against
	// status-polling freshness.
	DefaultCheckpointEvery = 10
)

// Processor turns one delivered job into extracted records. Process is the
// queue Handler for both queue implementations.
type Processor struct {
	jobs    repository.JobRepository
	records repository.RecordRepository
	store   storage.Store
	tracker *Tracker
	logger  *slog.Logger

	batchSize       int
	checkpointEvery int
}

type Option func(*Processor)

func WithBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithCheckpointEvery(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.checkpointEvery = n
		}
	}
}

func NewProcessor(jobs repository.JobRepository, records repository.RecordRepository,
	store storage.Store, tracker *Tracker, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		jobs:            jobs,
		records:         records,
		store:           store,
		tracker:         tracker,
		logger:          logger,
		batchSize:       DefaultBatchSize,
		checkpointEvery: DefaultCheckpointEvery,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs one delivery attempt. A nil return acknowledges the delivery;
// an error re-raises to the queue so its retry bookkeeping applies. Terminal
// jobs (cancelled before dequeue, duplicate redelivery of a completed job)
// are acknowledged without work.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID, retries int) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			p.logger.Warn("delivered job no longer exists", "job_id", jobID)
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		p.logger.Info("dropping delivery for terminal job", "job_id", jobID, "status", job.Status)
		return nil
	}

	if err := p.jobs.MarkInProgress(ctx, jobID, retries); err != nil {
		if errors.Is(err, common.ErrConflict) || errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}

	data, err := p.store.Read(ctx, job.SourceLocation)
	if err != nil {
		return p.fail(ctx, jobID, fmt.Errorf("SOURCE_UNREADABLE: %w", err))
	}

	doc, err := extract.Parse(data)
	if err != nil {
		return p.fail(ctx, jobID, err)
	}

	// Delivery is at-least-once: drop any partial records from a previous
	// attempt so counters and uniqueness stay honest.
	if retries > 0 {
		if err := p.records.DeleteForJob(ctx, jobID); err != nil {
			return p.fail(ctx, jobID, err)
		}
	}

	if err := p.jobs.SetTotalRows(ctx, jobID, doc.TotalRows()); err != nil {
		return p.fail(ctx, jobID, err)
	}

	batch := make([]entity.ExtractedRecord, 0, p.batchSize)
	processed := 0
	for {
		recs, ok := doc.Next()
		if !ok {
			break
		}
		for _, rec := range recs {
			batch = append(batch, entity.ExtractedRecord{
				JobID:      jobID,
				RowNumber:  rec.RowNumber,
				ColumnName: rec.ColumnName,
				Value:      rec.Value,
				ValueKind:  rec.Kind,
			})
		}
		processed++

		if len(batch) >= p.batchSize {
			cancelled, err := p.flush(ctx, jobID, &batch)
			if err != nil {
				return p.fail(ctx, jobID, err)
			}
			if cancelled {
				return nil
			}
		}
		if processed%p.checkpointEvery == 0 {
			p.tracker.Checkpoint(jobID, processed)
		}
	}
	if len(batch) > 0 {
		cancelled, err := p.flush(ctx, jobID, &batch)
		if err != nil {
			return p.fail(ctx, jobID, err)
		}
		if cancelled {
			return nil
		}
	}

	if err := p.jobs.MarkCompleted(ctx, jobID); err != nil {
		if errors.Is(err, common.ErrConflict) {
			// cancelled underneath us; the delivery is done either way
			return nil
		}
		return p.fail(ctx, jobID, err)
	}
	p.logger.Info("job processed", "job_id", jobID, "rows", processed, "retries", retries)
	return nil
}

// flush persists the buffered batch in emission order. Batch boundaries are
// also where an advisory cancel is honored.
func (p *Processor) flush(ctx context.Context, jobID uuid.UUID, batch *[]entity.ExtractedRecord) (cancelled bool, err error) {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status == constants.JobStatusCancelled {
		p.logger.Info("job cancelled mid-extraction, stopping", "job_id", jobID)
		return true, nil
	}
	if err := p.records.InsertBatch(ctx, *batch); err != nil {
		return false, err
	}
	*batch = (*batch)[:0]
	return false, nil
}

// fail finalizes the attempt as FAILED and re-raises cause to the queue so
// delivery-level retry bookkeeping applies.
func (p *Processor) fail(ctx context.Context, jobID uuid.UUID, cause error) error {
	if err := p.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		p.logger.Error("could not record job failure", "job_id", jobID, "err", err)
	}
	p.logger.Error("job attempt failed", "job_id", jobID, "error", cause)
	return cause
}
