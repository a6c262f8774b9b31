package worker

import (
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
	"github.com/sheetflow/sheetflow/internal/entity"
	"github.com/sheetflow/sheetflow/internal/queue"
	"github.com/sheetflow/sheetflow/internal/repository"
	"github.com/sheetflow/sheetflow/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

type fixture struct {
	store     *repository.MemoryStore
	files     storage.Store
	tracker   *Tracker
	processor *Processor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	files, err := storage.NewLocal(t.TempDir(), discardLogger())
	require.NoError(t, err)
	tracker := NewTracker(store, discardLogger())
	t.Cleanup(tracker.Close)
	return &fixture{
		store:     store,
		files:     files,
		tracker:   tracker,
		processor: NewProcessor(store, store, files, tracker, discardLogger(), opts...),
	}
}

// createJob stores data and a PENDING job pointing at it.
func (f *fixture) createJob(t *testing.T, data []byte) *entity.ProcessingJob {
	t.Helper()
	ctx := context.Background()
	location, err := f.files.Save(ctx, data, "xlsx")
	require.NoError(t, err)
	now := time.Now().UTC()
	job := &entity.ProcessingJob{
		ID:             uuid.New(),
		OwnerID:        uuid.New(),
		Filename:       "upload.xlsx",
		SourceLocation: location,
		SourceFormat:   "xlsx",
		Status:         constants.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.Create(ctx, job))
	return job
}

func TestProcessCompletesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.createJob(t, buildWorkbook(t, [][]any{
		{"ID", "Name"},
		{1, "Alice"},
		{"", "Bob"},
	}))

	require.NoError(t, f.processor.Process(ctx, job.ID, 0))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusCompleted, got.Status)
	require.NotNil(t, got.TotalRows)
	require.Equal(t, 2, *got.TotalRows)
	require.NotNil(t, got.ProcessedRows)
	require.Equal(t, 2, *got.ProcessedRows)
	require.NotNil(t, got.CompletedAt)
	require.Nil(t, got.ErrorDetail)

	count, err := f.store.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, count) // blank ID cell of row 2 never materializes
}

func TestProcessFailsOnHeaderOnlyWorkbook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.createJob(t, buildWorkbook(t, [][]any{{"ID", "Name"}}))

	err := f.processor.Process(ctx, job.ID, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NO_DATA_FOUND")

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	require.Contains(t, *got.ErrorDetail, "NO_DATA_FOUND")
	require.Nil(t, got.TotalRows)
	require.Nil(t, got.CompletedAt)
}

func TestProcessFailsOnUnreadableSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.createJob(t, buildWorkbook(t, [][]any{{"A"}, {"1"}}))
	require.True(t, f.files.Delete(ctx, job.SourceLocation))

	err := f.processor.Process(ctx, job.ID, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SOURCE_UNREADABLE")

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusFailed, got.Status)
}

func TestProcessDropsCancelledDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.createJob(t, buildWorkbook(t, [][]any{{"A"}, {"1"}}))
	require.NoError(t, f.store.Cancel(ctx, job.ID))

	require.NoError(t, f.processor.Process(ctx, job.ID, 0))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusCancelled, got.Status)

	count, err := f.store.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRedeliveryClearsPartialRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.createJob(t, buildWorkbook(t, [][]any{
		{"ID", "Name"},
		{1, "Alice"},
		{2, "Bob"},
	}))

	// simulate a crashed first attempt: claimed, partially flushed
	require.NoError(t, f.store.MarkInProgress(ctx, job.ID, 0))
	require.NoError(t, f.store.InsertBatch(ctx, []entity.ExtractedRecord{
		{JobID: job.ID, RowNumber: 1, ColumnName: "ID", Value: "stale", ValueKind: constants.ValueKindString},
	}))

	require.NoError(t, f.processor.Process(ctx, job.ID, 1))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusCompleted, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, 2, *got.ProcessedRows)

	records, err := f.store.ListPage(ctx, job.ID, 1, 100)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for _, rec := range records {
		require.NotEqual(t, "stale", rec.Value)
	}
}

// cancelAfterFirstBatch cancels the job once the first batch lands, so the
// next batch boundary must observe it.
type cancelAfterFirstBatch struct {
	repository.RecordRepository
	jobs repository.JobRepository
	once sync.Once
}

func (c *cancelAfterFirstBatch) InsertBatch(ctx context.Context, records []entity.ExtractedRecord) error {
	if err := c.RecordRepository.InsertBatch(ctx, records); err != nil {
		return err
	}
	c.once.Do(func() {
		_ = c.jobs.Cancel(ctx, records[0].JobID)
	})
	return nil
}

func TestCancelHonoredAtBatchBoundary(t *testing.T) {
	store := repository.NewMemoryStore()
	files, err := storage.NewLocal(t.TempDir(), discardLogger())
	require.NoError(t, err)
	tracker := NewTracker(store, discardLogger())
	t.Cleanup(tracker.Close)

	records := &cancelAfterFirstBatch{RecordRepository: store, jobs: store}
	processor := NewProcessor(store, records, files, tracker, discardLogger(), WithBatchSize(1))

	ctx := context.Background()
	data := buildWorkbook(t, [][]any{
		{"A"},
		{"1"},
		{"2"},
		{"3"},
	})
	location, err := files.Save(ctx, data, "xlsx")
	require.NoError(t, err)
	now := time.Now().UTC()
	job := &entity.ProcessingJob{
		ID: uuid.New(), OwnerID: uuid.New(), Filename: "c.xlsx",
		SourceLocation: location, SourceFormat: "xlsx",
		Status: constants.JobStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, job))

	require.NoError(t, processor.Process(ctx, job.ID, 0))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusCancelled, got.Status)

	count, err := store.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Less(t, count, 3)
}

// flakyRecords fails the first n InsertBatch calls.
type flakyRecords struct {
	repository.RecordRepository
	mu       sync.Mutex
	failures int
}

func (f *flakyRecords) InsertBatch(ctx context.Context, records []entity.ExtractedRecord) error {
	f.mu.Lock()
	shouldFail := f.failures > 0
	if shouldFail {
		f.failures--
	}
	f.mu.Unlock()
	if shouldFail {
		return errors.New("record store unavailable")
	}
	return f.RecordRepository.InsertBatch(ctx, records)
}

func TestTransientOutageSucceedsWithinDeliveryBudget(t *testing.T) {
	store := repository.NewMemoryStore()
	files, err := storage.NewLocal(t.TempDir(), discardLogger())
	require.NoError(t, err)
	tracker := NewTracker(store, discardLogger())
	t.Cleanup(tracker.Close)

	records := &flakyRecords{RecordRepository: store, failures: 2}
	processor := NewProcessor(store, records, files, tracker, discardLogger())

	q := queue.NewMemory(processor.Process, discardLogger(), queue.Policy{
		Concurrency: 1,
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	}()

	ctx := context.Background()
	data := buildWorkbook(t, [][]any{{"ID"}, {1}, {2}})
	location, err := files.Save(ctx, data, "xlsx")
	require.NoError(t, err)
	now := time.Now().UTC()
	job := &entity.ProcessingJob{
		ID: uuid.New(), OwnerID: uuid.New(), Filename: "t.xlsx",
		SourceLocation: location, SourceFormat: "xlsx",
		Status: constants.JobStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, job))

	_, err = q.Enqueue(ctx, job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, job.ID)
		return err == nil && got.Status == constants.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount) // succeeded on the third attempt

	count, err := store.CountForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
