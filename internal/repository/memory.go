package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/constants"
	"github.com/sheetflow/sheetflow/internal/common"
	"github.com/sheetflow/sheetflow/internal/entity"
)

type recordKey struct {
	row    int
	column string
}

// MemoryStore is an in-memory Job Record Store implementing both repository
// interfaces with the same transition guards as the SQL store. It backs tests
// and the synchronous in-memory queue path.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]*entity.ProcessingJob
	records map[uuid.UUID]map[recordKey]entity.ExtractedRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[uuid.UUID]*entity.ProcessingJob),
		records: make(map[uuid.UUID]map[recordKey]entity.ExtractedRecord),
	}
}

var (
	_ JobRepository    = (*MemoryStore)(nil)
	_ RecordRepository = (*MemoryStore)(nil)
)

func (m *MemoryStore) Create(_ context.Context, job *entity.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return common.ErrConflict
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*entity.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*entity.ProcessingJob, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, common.ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) List(_ context.Context, ownerID uuid.UUID, filter JobFilter) ([]*entity.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*entity.ProcessingJob
	for _, job := range m.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.Filename != "" &&
			!strings.Contains(strings.ToLower(job.Filename), strings.ToLower(filter.Filename)) {
			continue
		}
		if filter.CreatedFrom != nil && job.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && job.CreatedAt.After(*filter.CreatedTo) {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	limit, offset := pageBounds(filter.Page, filter.PageSize)
	if offset >= len(jobs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[offset:end], nil
}

// mutate applies fn to the stored job under the write lock if its current
// status is in allowed, mirroring the SQL compare-and-set updates.
func (m *MemoryStore) mutate(id uuid.UUID, allowed []constants.JobStatus, fn func(*entity.ProcessingJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return common.ErrNotFound
	}
	permitted := false
	for _, s := range allowed {
		if job.Status == s {
			permitted = true
			break
		}
	}
	if !permitted {
		return common.ErrConflict
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkInProgress(_ context.Context, id uuid.UUID, retries int) error {
	return m.mutate(id, []constants.JobStatus{
		constants.JobStatusPending, constants.JobStatusInProgress, constants.JobStatusFailed,
	}, func(job *entity.ProcessingJob) {
		job.Status = constants.JobStatusInProgress
		job.RetryCount = retries
		job.ErrorDetail = nil
	})
}

func (m *MemoryStore) SetTotalRows(_ context.Context, id uuid.UUID, total int) error {
	return m.mutate(id, []constants.JobStatus{constants.JobStatusInProgress},
		func(job *entity.ProcessingJob) {
			job.TotalRows = &total
		})
}

func (m *MemoryStore) SetProcessedRows(_ context.Context, id uuid.UUID, processed int) error {
	return m.mutate(id, []constants.JobStatus{constants.JobStatusInProgress},
		func(job *entity.ProcessingJob) {
			job.ProcessedRows = &processed
		})
}

func (m *MemoryStore) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return m.mutate(id, []constants.JobStatus{constants.JobStatusInProgress},
		func(job *entity.ProcessingJob) {
			now := time.Now().UTC()
			job.Status = constants.JobStatusCompleted
			job.ProcessedRows = job.TotalRows
			job.ErrorDetail = nil
			job.CompletedAt = &now
		})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, detail string) error {
	return m.mutate(id, []constants.JobStatus{constants.JobStatusInProgress},
		func(job *entity.ProcessingJob) {
			job.Status = constants.JobStatusFailed
			job.ErrorDetail = &detail
			job.CompletedAt = nil
		})
}

func (m *MemoryStore) Cancel(_ context.Context, id uuid.UUID) error {
	return m.mutate(id, []constants.JobStatus{
		constants.JobStatusPending, constants.JobStatusInProgress,
	}, func(job *entity.ProcessingJob) {
		job.Status = constants.JobStatusCancelled
	})
}

func (m *MemoryStore) ResetForRetry(_ context.Context, id uuid.UUID) error {
	return m.mutate(id, []constants.JobStatus{constants.JobStatusFailed},
		func(job *entity.ProcessingJob) {
			job.Status = constants.JobStatusPending
			job.TotalRows = nil
			job.ProcessedRows = nil
			job.ErrorDetail = nil
			job.RetryCount = 0
			job.CompletedAt = nil
		})
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return common.ErrNotFound
	}
	delete(m.jobs, id)
	delete(m.records, id) // cascade
	return nil
}

func (m *MemoryStore) InsertBatch(_ context.Context, records []entity.ExtractedRecord) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		byKey, ok := m.records[rec.JobID]
		if !ok {
			byKey = make(map[recordKey]entity.ExtractedRecord)
			m.records[rec.JobID] = byKey
		}
		byKey[recordKey{rec.RowNumber, rec.ColumnName}] = rec // upsert
	}
	return nil
}

func (m *MemoryStore) DeleteForJob(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, jobID)
	return nil
}

func (m *MemoryStore) ListPage(_ context.Context, jobID uuid.UUID, page, pageSize int) ([]*entity.ExtractedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*entity.ExtractedRecord
	for _, rec := range m.records[jobID] {
		cp := rec
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].RowNumber != records[j].RowNumber {
			return records[i].RowNumber < records[j].RowNumber
		}
		return records[i].ColumnName < records[j].ColumnName
	})

	limit, offset := pageBounds(page, pageSize)
	if offset >= len(records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

func (m *MemoryStore) CountForJob(_ context.Context, jobID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[jobID]), nil
}
