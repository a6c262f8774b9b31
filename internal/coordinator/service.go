// Package coordinator is the public entry point of the ingestion pipeline,
// consumed by the (external) API layer. Every operation is scoped to the
// verified owner the caller supplies.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/constants"
	"github.com/sheetflow/sheetflow/internal/common"
	"github.com/sheetflow/sheetflow/internal/entity"
	"github.com/sheetflow/sheetflow/internal/queue"
	"github.com/sheetflow/sheetflow/internal/repository"
	"github.com/sheetflow/sheetflow/internal/storage"
)

const (
	// MaxJobPageSize caps listJobs pagination.
	MaxJobPageSize = 100
	// MaxRecordPageSize caps getRecords pagination.
	MaxRecordPageSize = 1000

	defaultJobPageSize    = 20
	defaultRecordPageSize = 100
)

// UploadMetadata accompanies the raw upload bytes.
type UploadMetadata struct {
	Filename string
}

// RecordPage is one page of extracted records, ordered by
// (rowNumber, columnName) ascending.
type RecordPage struct {
	Records  []*entity.ExtractedRecord
	Page     int
	PageSize int
}

type Service struct {
	jobs    repository.JobRepository
	records repository.RecordRepository
	store   storage.Store
	queue   queue.Queue
	logger  *slog.Logger
}

func NewService(jobs repository.JobRepository, records repository.RecordRepository,
	store storage.Store, q queue.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, records: records, store: store, queue: q, logger: logger}
}

// Submit validates the upload, persists the source, creates a PENDING job and
// enqueues it. Validation failures surface immediately; no job is created.
func (s *Service) Submit(ctx context.Context, data []byte, meta UploadMetadata, ownerID uuid.UUID) (*entity.ProcessingJob, error) {
	if len(data) == 0 {
		return nil, common.ValidationError("upload is empty")
	}
	if len(data) > constants.MaxUploadBytes {
		return nil, common.ValidationError(
			fmt.Sprintf("upload exceeds %d bytes", constants.MaxUploadBytes))
	}
	ext := constants.NormalizeExt(filepath.Ext(meta.Filename))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return nil, common.ValidationError(
			fmt.Sprintf("unsupported file extension %q", ext))
	}

	location, err := s.store.Save(ctx, data, ext)
	if err != nil {
		return nil, common.WrapError(err, "persist upload")
	}

	now := time.Now().UTC()
	job := &entity.ProcessingJob{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Filename:       meta.Filename,
		SourceLocation: location,
		SourceFormat:   ext,
		Status:         constants.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.store.Delete(ctx, location)
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// roll the submission back entirely so the caller can resubmit
		s.logger.Error("enqueue failed, rolling back submission", "job_id", job.ID, "err", err)
		if delErr := s.jobs.Delete(ctx, job.ID); delErr != nil {
			s.logger.Error("rollback failed", "job_id", job.ID, "err", delErr)
		}
		s.store.Delete(ctx, location)
		return nil, common.WrapError(err, "enqueue job")
	}
	s.logger.Info("job submitted", "job_id", job.ID, "owner_id", ownerID, "filename", meta.Filename)
	return job, nil
}

// GetStatus returns the job if it exists and belongs to ownerID.
func (s *Service) GetStatus(ctx context.Context, jobID, ownerID uuid.UUID) (*entity.ProcessingJob, error) {
	return s.jobs.GetForOwner(ctx, jobID, ownerID)
}

// ListJobs returns a page of the owner's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, ownerID uuid.UUID, filter repository.JobFilter) ([]*entity.ProcessingJob, error) {
	filter.PageSize = clampPageSize(filter.PageSize, defaultJobPageSize, MaxJobPageSize)
	return s.jobs.List(ctx, ownerID, filter)
}

// GetRecords returns a page of extracted records for an owned job.
func (s *Service) GetRecords(ctx context.Context, jobID, ownerID uuid.UUID, page, pageSize int) (*RecordPage, error) {
	if _, err := s.jobs.GetForOwner(ctx, jobID, ownerID); err != nil {
		return nil, err
	}
	pageSize = clampPageSize(pageSize, defaultRecordPageSize, MaxRecordPageSize)
	if page < 1 {
		page = 1
	}
	records, err := s.records.ListPage(ctx, jobID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &RecordPage{Records: records, Page: page, PageSize: pageSize}, nil
}

// Retry re-enters a FAILED job at PENDING with a fresh delivery budget.
// Records from the failed run are cleared before re-enqueueing.
func (s *Service) Retry(ctx context.Context, jobID, ownerID uuid.UUID) error {
	job, err := s.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return err
	}
	if job.Status != constants.JobStatusFailed {
		return common.NewAppError("INVALID_STATE",
			fmt.Sprintf("only failed jobs can be retried, job is %s", job.Status),
			common.ErrConflict)
	}
	if err := s.records.DeleteForJob(ctx, jobID); err != nil {
		return err
	}
	if err := s.jobs.ResetForRetry(ctx, jobID); err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, jobID); err != nil {
		return common.WrapError(err, "enqueue retry")
	}
	s.logger.Info("job retry requested", "job_id", jobID, "owner_id", ownerID)
	return nil
}

// Cancel stops a PENDING job from ever being dequeued; for IN_PROGRESS jobs
// it is advisory and honored at the worker's next batch boundary.
func (s *Service) Cancel(ctx context.Context, jobID, ownerID uuid.UUID) error {
	if _, err := s.jobs.GetForOwner(ctx, jobID, ownerID); err != nil {
		return err
	}
	if err := s.jobs.Cancel(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("job cancelled", "job_id", jobID, "owner_id", ownerID)
	return nil
}

// Delete removes the stored source (best-effort) and the job with its
// records. A file-removal failure is logged, never blocking deletion.
func (s *Service) Delete(ctx context.Context, jobID, ownerID uuid.UUID) error {
	job, err := s.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return err
	}
	if !s.store.Delete(ctx, job.SourceLocation) {
		s.logger.Warn("source file not removed", "job_id", jobID, "location", job.SourceLocation)
	}
	if err := s.jobs.Delete(ctx, jobID); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	s.logger.Info("job deleted", "job_id", jobID, "owner_id", ownerID)
	return nil
}

func clampPageSize(n, def, max int) int {
	if n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
