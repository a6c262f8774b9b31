package coordinator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/sheetflow/sheetflow/constants"
	"github.com/sheetflow/sheetflow/internal/common"
	"github.com/sheetflow/sheetflow/internal/entity"
	"github.com/sheetflow/sheetflow/internal/queue"
	"github.com/sheetflow/sheetflow/internal/repository"
	"github.com/sheetflow/sheetflow/internal/storage"
	"github.com/sheetflow/sheetflow/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubQueue records enqueues without delivering anything.
type stubQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
	fail     bool
}

func (q *stubQueue) Enqueue(_ context.Context, jobID uuid.UUID) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return "", errors.New("broker unavailable")
	}
	q.enqueued = append(q.enqueued, jobID)
	return jobID.String(), nil
}

func (q *stubQueue) GetJob(context.Context, string) (*queue.TaskInfo, error) {
	return nil, queue.ErrTaskNotFound
}

func (q *stubQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

func buildWorkbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, v))
		}
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

type env struct {
	store *repository.MemoryStore
	files storage.Store
	queue *stubQueue
	svc   *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := repository.NewMemoryStore()
	files, err := storage.NewLocal(t.TempDir(), discardLogger())
	require.NoError(t, err)
	q := &stubQueue{}
	return &env{
		store: store,
		files: files,
		queue: q,
		svc:   NewService(store, store, files, q, discardLogger()),
	}
}

func validUpload(t *testing.T) []byte {
	return buildWorkbook(t, [][]any{
		{"ID", "Name"},
		{1, "Alice"},
		{"", "Bob"},
	})
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	job, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "People.XLSX"}, ownerID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusPending, job.Status)
	require.Equal(t, "xlsx", job.SourceFormat)
	require.Equal(t, ownerID, job.OwnerID)
	require.Equal(t, 1, e.queue.count())

	data, err := e.files.Read(ctx, job.SourceLocation)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	cases := map[string]struct {
		data     []byte
		filename string
	}{
		"empty upload":  {nil, "empty.xlsx"},
		"oversized":     {bytes.Repeat([]byte{0x1}, constants.MaxUploadBytes+1), "big.xlsx"},
		"csv extension": {validUpload(t), "data.csv"},
		"no extension":  {validUpload(t), "data"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.svc.Submit(ctx, tc.data, UploadMetadata{Filename: tc.filename}, ownerID)
			require.ErrorIs(t, err, common.ErrValidation)
		})
	}

	// nothing was persisted or enqueued
	jobs, err := e.store.List(ctx, ownerID, repository.JobFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
	require.Zero(t, e.queue.count())
}

func TestSubmitRollsBackOnEnqueueFailure(t *testing.T) {
	e := newEnv(t)
	e.queue.fail = true
	ctx := context.Background()
	ownerID := uuid.New()

	_, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "a.xlsx"}, ownerID)
	require.Error(t, err)

	jobs, err := e.store.List(ctx, ownerID, repository.JobFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestStatusAndRecordsAreOwnerScoped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	job, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "a.xlsx"}, ownerID)
	require.NoError(t, err)

	_, err = e.svc.GetStatus(ctx, job.ID, uuid.New())
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = e.svc.GetRecords(ctx, job.ID, uuid.New(), 1, 10)
	require.ErrorIs(t, err, common.ErrNotFound)
	require.ErrorIs(t, e.svc.Cancel(ctx, job.ID, uuid.New()), common.ErrNotFound)
	require.ErrorIs(t, e.svc.Delete(ctx, job.ID, uuid.New()), common.ErrNotFound)

	got, err := e.svc.GetStatus(ctx, job.ID, ownerID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
}

func TestListJobsFiltersAndClampsPageSize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "batch.xlsx"}, ownerID)
		require.NoError(t, err)
	}
	other, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "other.xlsx"}, uuid.New())
	require.NoError(t, err)

	jobs, err := e.svc.ListJobs(ctx, ownerID, repository.JobFilter{PageSize: MaxJobPageSize * 5})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		require.NotEqual(t, other.ID, j.ID)
	}

	pending := constants.JobStatusPending
	jobs, err = e.svc.ListJobs(ctx, ownerID, repository.JobFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	completed := constants.JobStatusCompleted
	jobs, err = e.svc.ListJobs(ctx, ownerID, repository.JobFilter{Status: &completed})
	require.NoError(t, err)
	require.Empty(t, jobs)

	jobs, err = e.svc.ListJobs(ctx, ownerID, repository.JobFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestGetRecordsOrderingAndPaging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	job, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "a.xlsx"}, ownerID)
	require.NoError(t, err)

	require.NoError(t, e.store.InsertBatch(ctx, []entity.ExtractedRecord{
		{JobID: job.ID, RowNumber: 2, ColumnName: "Name", Value: "Bob", ValueKind: constants.ValueKindString},
		{JobID: job.ID, RowNumber: 1, ColumnName: "Name", Value: "Alice", ValueKind: constants.ValueKindString},
		{JobID: job.ID, RowNumber: 1, ColumnName: "ID", Value: "1", ValueKind: constants.ValueKindNumber},
	}))

	page, err := e.svc.GetRecords(ctx, job.ID, ownerID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 2, page.PageSize)
	require.Len(t, page.Records, 2)
	require.Equal(t, "ID", page.Records[0].ColumnName)
	require.Equal(t, "Name", page.Records[1].ColumnName)
	require.Equal(t, 1, page.Records[1].RowNumber)

	page, err = e.svc.GetRecords(ctx, job.ID, ownerID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, 2, page.Records[0].RowNumber)

	// oversized and unset page sizes are clamped, not rejected
	page, err = e.svc.GetRecords(ctx, job.ID, ownerID, 1, MaxRecordPageSize*10)
	require.NoError(t, err)
	require.Equal(t, MaxRecordPageSize, page.PageSize)

	page, err = e.svc.GetRecords(ctx, job.ID, ownerID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, defaultRecordPageSize, page.PageSize)
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	job, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "a.xlsx"}, ownerID)
	require.NoError(t, err)

	err = e.svc.Retry(ctx, job.ID, ownerID)
	require.ErrorIs(t, err, common.ErrConflict)
}

func TestRetryResetsFailedJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	job, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "a.xlsx"}, ownerID)
	require.NoError(t, err)

	// drive the job to FAILED after a partial run
	require.NoError(t, e.store.MarkInProgress(ctx, job.ID, 2))
	require.NoError(t, e.store.SetTotalRows(ctx, job.ID, 2))
	require.NoError(t, e.store.InsertBatch(ctx, []entity.ExtractedRecord{
		{JobID: job.ID, RowNumber: 1, ColumnName: "ID", Value: "1", ValueKind: constants.ValueKindNumber},
	}))
	require.NoError(t, e.store.MarkFailed(ctx, job.ID, "SOURCE_UNREADABLE: gone"))

	require.NoError(t, e.svc.Retry(ctx, job.ID, ownerID))

	got, err := e.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusPending, got.Status)
	require.Zero(t, got.RetryCount)
	require.Nil(t, got.TotalRows)
	require.Nil(t, got.ErrorDetail)

	count, err := e.store.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	require.Equal(t, 2, e.queue.count()) // submit + retry
}

func TestCancelPendingJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	job, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "a.xlsx"}, ownerID)
	require.NoError(t, err)

	require.NoError(t, e.svc.Cancel(ctx, job.ID, ownerID))

	got, err := e.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusCancelled, got.Status)

	// terminal jobs cannot be cancelled again
	require.ErrorIs(t, e.svc.Cancel(ctx, job.ID, ownerID), common.ErrConflict)
}

func TestDeleteRemovesJobRecordsAndSource(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ownerID := uuid.New()

	job, err := e.svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "a.xlsx"}, ownerID)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertBatch(ctx, []entity.ExtractedRecord{
		{JobID: job.ID, RowNumber: 1, ColumnName: "ID", Value: "1", ValueKind: constants.ValueKindNumber},
	}))

	require.NoError(t, e.svc.Delete(ctx, job.ID, ownerID))

	_, err = e.store.Get(ctx, job.ID)
	require.ErrorIs(t, err, common.ErrNotFound)

	count, err := e.store.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = e.files.Read(ctx, job.SourceLocation)
	require.Error(t, err)
}

func TestSubmitThroughPipeline(t *testing.T) {
	store := repository.NewMemoryStore()
	files, err := storage.NewLocal(t.TempDir(), discardLogger())
	require.NoError(t, err)
	tracker := worker.NewTracker(store, discardLogger())
	t.Cleanup(tracker.Close)
	processor := worker.NewProcessor(store, store, files, tracker, discardLogger())

	q := queue.NewMemory(processor.Process, discardLogger(), queue.Policy{
		Concurrency: 2,
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	}()

	svc := NewService(store, store, files, q, discardLogger())

	ctx := context.Background()
	ownerID := uuid.New()
	job, err := svc.Submit(ctx, validUpload(t), UploadMetadata{Filename: "people.xlsx"}, ownerID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := svc.GetStatus(ctx, job.ID, ownerID)
		return err == nil && got.Status == constants.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := svc.GetStatus(ctx, job.ID, ownerID)
	require.NoError(t, err)
	require.Equal(t, 2, *got.TotalRows)
	require.Equal(t, 2, *got.ProcessedRows)

	page, err := svc.GetRecords(ctx, job.ID, ownerID, 1, 100)
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	require.Equal(t, "1", page.Records[0].Value)
	require.Equal(t, "Alice", page.Records[1].Value)
	require.Equal(t, "Bob", page.Records[2].Value)
}
