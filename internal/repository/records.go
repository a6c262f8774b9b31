package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/constants"
	"github.com/sheetflow/sheetflow/internal/common"
	"github.com/sheetflow/sheetflow/internal/entity"
)

// RecordRepository is the record half of the Job Record Store. InsertBatch
// upserts on (job_id, row_number, column_name) so redelivered batches are
// idempotent.
type RecordRepository interface {
	InsertBatch(ctx context.Context, records []entity.ExtractedRecord) error
	DeleteForJob(ctx context.Context, jobID uuid.UUID) error
	// ListPage returns records ordered by (row_number, column_name) ascending.
	ListPage(ctx context.Context, jobID uuid.UUID, page, pageSize int) ([]*entity.ExtractedRecord, error)
	CountForJob(ctx context.Context, jobID uuid.UUID) (int, error)
}

type recordRepo struct {
	db     *sql.DB
	log    *slog.Logger
	rebind bool
}

// NewRecordRepository builds the SQL-backed record repository. driver is the
// database/sql driver name the pool was opened with ("pgx" or "sqlite").
func NewRecordRepository(db *sql.DB, driver string, log *slog.Logger) RecordRepository {
	if log == nil {
		log = slog.Default()
	}
	return &recordRepo{db: db, log: log, rebind: driver == "sqlite"}
}

func (r *recordRepo) q(query string) string {
	if r.rebind {
		return rebindToQuestion(query)
	}
	return query
}

func (r *recordRepo) InsertBatch(ctx context.Context, records []entity.ExtractedRecord) error {
	if len(records) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(records)*5)
	)
	sb.WriteString(`INSERT INTO extracted_record (job_id, row_number, column_name, value, value_kind) VALUES `)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, rec.JobID.String(), rec.RowNumber, rec.ColumnName,
			rec.Value, string(rec.ValueKind))
	}
	sb.WriteString(` ON CONFLICT (job_id, row_number, column_name)
		DO UPDATE SET value = excluded.value, value_kind = excluded.value_kind`)

	if _, err := r.db.ExecContext(ctx, r.q(sb.String()), args...); err != nil {
		r.log.Error("record batch insert failed", "job_id", records[0].JobID, "count", len(records), "err", err)
		return common.WrapError(err, "insert record batch")
	}
	return nil
}

func (r *recordRepo) DeleteForJob(ctx context.Context, jobID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx,
		r.q(`DELETE FROM extracted_record WHERE job_id = $1`), jobID.String()); err != nil {
		return common.WrapError(err, "delete records")
	}
	return nil
}

func (r *recordRepo) ListPage(ctx context.Context, jobID uuid.UUID, page, pageSize int) ([]*entity.ExtractedRecord, error) {
	limit, offset := pageBounds(page, pageSize)
	rows, err := r.db.QueryContext(ctx, r.q(
		`SELECT job_id, row_number, column_name, value, value_kind
		 FROM extracted_record WHERE job_id = $1
		 ORDER BY row_number, column_name LIMIT $2 OFFSET $3`),
		jobID.String(), limit, offset)
	if err != nil {
		return nil, common.WrapError(err, "list records")
	}
	defer rows.Close()

	var records []*entity.ExtractedRecord
	for rows.Next() {
		var (
			rec   entity.ExtractedRecord
			idStr string
			kind  string
		)
		if err := rows.Scan(&idStr, &rec.RowNumber, &rec.ColumnName, &rec.Value, &kind); err != nil {
			return nil, common.WrapError(err, "scan record")
		}
		if rec.JobID, err = uuid.Parse(idStr); err != nil {
			return nil, common.WrapError(err, "parse record job id")
		}
		rec.ValueKind = constants.ValueKind(kind)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *recordRepo) CountForJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT COUNT(*) FROM extracted_record WHERE job_id = $1`), jobID.String()).Scan(&count)
	if err != nil {
		return 0, common.WrapError(err, "count records")
	}
	return count, nil
}
