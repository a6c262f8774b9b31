package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/constants"
	"github.com/sheetflow/sheetflow/internal/common"
	"github.com/sheetflow/sheetflow/internal/entity"
)

// JobFilter narrows List results. Zero values mean "no constraint".
type JobFilter struct {
	Status      *constants.JobStatus
	Filename    string // case-insensitive substring match
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Page        int // 1-based
	PageSize    int
}

// JobRepository is the job half of the Job Record Store. Status transitions
// are guarded compare-and-set updates so no caller can bypass the state
// machine, and every status+counter change is a single statement.
type JobRepository interface {
	Create(ctx context.Context, job *entity.ProcessingJob) error
	Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingJob, error)
	GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*entity.ProcessingJob, error)
	List(ctx context.Context, ownerID uuid.UUID, filter JobFilter) ([]*entity.ProcessingJob, error)

	// MarkInProgress claims a delivery. Valid from PENDING, from a stale
	// IN_PROGRESS (crashed worker) and from FAILED (automatic redelivery).
	// Terminal states report common.ErrConflict.
	MarkInProgress(ctx context.Context, id uuid.UUID, retries int) error
	SetTotalRows(ctx context.Context, id uuid.UUID, total int) error
	// SetProcessedRows is the checkpoint write; only meaningful IN_PROGRESS.
	SetProcessedRows(ctx context.Context, id uuid.UUID, processed int) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, detail string) error
	// Cancel is valid from PENDING and IN_PROGRESS only.
	Cancel(ctx context.Context, id uuid.UUID) error
	// ResetForRetry re-enters a FAILED job at PENDING with counters cleared.
	ResetForRetry(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type jobRepo struct {
	db     *sql.DB
	log    *slog.Logger
	rebind bool
}

// NewJobRepository builds the SQL-backed job repository. driver is the
// database/sql driver name the pool was opened with ("pgx" or "sqlite").
func NewJobRepository(db *sql.DB, driver string, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log, rebind: driver == "sqlite"}
}

// Queries use $N placeholders in order of appearance so the sqlite rewrite to
// ordinal ? binding stays correct.
func (r *jobRepo) q(query string) string {
	if r.rebind {
		return rebindToQuestion(query)
	}
	return query
}

const jobColumns = `id, owner_id, filename, source_location, source_format, status,
	total_rows, processed_rows, error_detail, retry_count, created_at, updated_at, completed_at`

func (r *jobRepo) Create(ctx context.Context, job *entity.ProcessingJob) error {
	_, err := r.db.ExecContext(ctx, r.q(
		`INSERT INTO processing_job (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`),
		job.ID.String(), job.OwnerID.String(), job.Filename, job.SourceLocation,
		job.SourceFormat, string(job.Status), nullInt(job.TotalRows),
		nullInt(job.ProcessedRows), nullStr(job.ErrorDetail), job.RetryCount,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.CompletedAt))
	if err != nil {
		r.log.Error("job create failed", "job_id", job.ID, "err", err)
		return common.WrapError(err, "create job")
	}
	r.log.Info("job created", "job_id", job.ID, "owner_id", job.OwnerID, "filename", job.Filename)
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingJob, error) {
	row := r.db.QueryRowContext(ctx, r.q(
		`SELECT `+jobColumns+` FROM processing_job WHERE id = $1`), id.String())
	return scanJob(row)
}

func (r *jobRepo) GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*entity.ProcessingJob, error) {
	row := r.db.QueryRowContext(ctx, r.q(
		`SELECT `+jobColumns+` FROM processing_job WHERE id = $1 AND owner_id = $2`),
		id.String(), ownerID.String())
	return scanJob(row)
}

func (r *jobRepo) List(ctx context.Context, ownerID uuid.UUID, filter JobFilter) ([]*entity.ProcessingJob, error) {
	where := []string{"owner_id = $1"}
	args := []any{ownerID.String()}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Filename != "" {
		args = append(args, "%"+strings.ToLower(filter.Filename)+"%")
		where = append(where, fmt.Sprintf("lower(filename) LIKE $%d", len(args)))
	}
	if filter.CreatedFrom != nil {
		args = append(args, filter.CreatedFrom.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.CreatedTo != nil {
		args = append(args, filter.CreatedTo.UTC())
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	limit, offset := pageBounds(filter.Page, filter.PageSize)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT `+jobColumns+` FROM processing_job WHERE %s
		 ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, common.WrapError(err, "list jobs")
	}
	defer rows.Close()

	var jobs []*entity.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *jobRepo) MarkInProgress(ctx context.Context, id uuid.UUID, retries int) error {
	err := r.transition(ctx, id,
		`UPDATE processing_job
		 SET status = $1, retry_count = $2, error_detail = NULL, updated_at = $3
		 WHERE id = $4 AND status IN ('PENDING', 'IN_PROGRESS', 'FAILED')`,
		string(constants.JobStatusInProgress), retries, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	r.log.Info("job in progress", "job_id", id, "retries", retries)
	return nil
}

func (r *jobRepo) SetTotalRows(ctx context.Context, id uuid.UUID, total int) error {
	return r.transition(ctx, id,
		`UPDATE processing_job SET total_rows = $1, updated_at = $2
		 WHERE id = $3 AND status = 'IN_PROGRESS'`,
		total, time.Now().UTC(), id.String())
}

func (r *jobRepo) SetProcessedRows(ctx context.Context, id uuid.UUID, processed int) error {
	return r.transition(ctx, id,
		`UPDATE processing_job SET processed_rows = $1, updated_at = $2
		 WHERE id = $3 AND status = 'IN_PROGRESS'`,
		processed, time.Now().UTC(), id.String())
}

func (r *jobRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	err := r.transition(ctx, id,
		`UPDATE processing_job
		 SET status = $1, processed_rows = total_rows, error_detail = NULL,
		     completed_at = $2, updated_at = $3
		 WHERE id = $4 AND status = 'IN_PROGRESS'`,
		string(constants.JobStatusCompleted), now, now, id.String())
	if err != nil {
		return err
	}
	r.log.Info("job completed", "job_id", id)
	return nil
}

func (r *jobRepo) MarkFailed(ctx context.Context, id uuid.UUID, detail string) error {
	err := r.transition(ctx, id,
		`UPDATE processing_job
		 SET status = $1, error_detail = $2, completed_at = NULL, updated_at = $3
		 WHERE id = $4 AND status = 'IN_PROGRESS'`,
		string(constants.JobStatusFailed), detail, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	r.log.Warn("job failed", "job_id", id, "error", detail)
	return nil
}

func (r *jobRepo) Cancel(ctx context.Context, id uuid.UUID) error {
	err := r.transition(ctx, id,
		`UPDATE processing_job SET status = $1, updated_at = $2
		 WHERE id = $3 AND status IN ('PENDING', 'IN_PROGRESS')`,
		string(constants.JobStatusCancelled), time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	r.log.Info("job cancelled", "job_id", id)
	return nil
}

func (r *jobRepo) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	err := r.transition(ctx, id,
		`UPDATE processing_job
		 SET status = $1, total_rows = NULL, processed_rows = NULL,
		     error_detail = NULL, retry_count = 0, completed_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'FAILED'`,
		string(constants.JobStatusPending), time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	r.log.Info("job reset for retry", "job_id", id)
	return nil
}

func (r *jobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM processing_job WHERE id = $1`), id.String())
	if err != nil {
		return common.WrapError(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	r.log.Info("job deleted", "job_id", id)
	return nil
}

// transition runs a guarded status update. Zero rows affected means the job
// either does not exist (ErrNotFound) or sits in a state the update excludes
// (ErrConflict).
func (r *jobRepo) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return common.WrapError(err, "update job")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); errors.Is(err, common.ErrNotFound) {
		return common.ErrNotFound
	}
	return common.ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.ProcessingJob, error) {
	var (
		job                      entity.ProcessingJob
		idStr, ownerStr, status  string
		totalRows, processedRows sql.NullInt64
		errorDetail              sql.NullString
		completedAt              sql.NullTime
	)
	err := row.Scan(&idStr, &ownerStr, &job.Filename, &job.SourceLocation,
		&job.SourceFormat, &status, &totalRows, &processedRows, &errorDetail,
		&job.RetryCount, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "scan job")
	}
	if job.ID, err = uuid.Parse(idStr); err != nil {
		return nil, common.WrapError(err, "parse job id")
	}
	if job.OwnerID, err = uuid.Parse(ownerStr); err != nil {
		return nil, common.WrapError(err, "parse owner id")
	}
	job.Status = constants.JobStatus(status)
	if totalRows.Valid {
		v := int(totalRows.Int64)
		job.TotalRows = &v
	}
	if processedRows.Valid {
		v := int(processedRows.Int64)
		job.ProcessedRows = &v
	}
	if errorDetail.Valid {
		job.ErrorDetail = &errorDetail.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// rebindToQuestion rewrites $N placeholders to sqlite's ordinal ?.
func rebindToQuestion(query string) string {
	var sb strings.Builder
	sb.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			sb.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func pageBounds(page, pageSize int) (limit, offset int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return pageSize, (page - 1) * pageSize
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}
