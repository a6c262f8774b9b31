package queue

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
)

type memTask struct {
	jobID       uuid.UUID
	state       TaskState
	retries     int
	lastErr     string
	nextRetryAt time.Time
	timer       *time.Timer
}

// Memory is the in-process queue: a fixed worker pool over a channel, with
// retry rescheduling via timers and count-capped retention of finished tasks.
// The handle for a job is its ID string, so re-enqueueing a job reuses its
// slot.
type Memory struct {
	handler Handler
	logger  *slog.Logger
	policy  Policy

	ch   chan uuid.UUID
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu        sync.Mutex
	tasks     map[string]*memTask
	completed []string
	failed    []string
	closed    bool
}

type Option func(*Memory)

func WithQueueSize(n int) Option {
	return func(q *Memory) {
		if n > 0 {
			q.ch = make(chan uuid.UUID, n)
		}
	}
}

func NewMemory(handler Handler, logger *slog.Logger, policy Policy, opts ...Option) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Memory{
		handler: handler,
		logger:  logger,
		policy:  policy.withDefaults(),
		ch:      make(chan uuid.UUID, 256),
		quit:    make(chan struct{}),
		tasks:   make(map[string]*memTask),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Memory) start() {
	q.once.Do(func() {
		for i := 0; i < q.policy.Concurrency; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for {
					select {
					case <-q.quit:
						q.logger.Info("worker stopped", "worker_id", workerID)
						return
					case jobID := <-q.ch:
						q.deliver(workerID, jobID)
					}
				}
			}(i + 1)
		}
	})
}

func (q *Memory) deliver(workerID int, jobID uuid.UUID) {
	handle := jobID.String()

	q.mu.Lock()
	t, ok := q.tasks[handle]
	if !ok || q.closed {
		q.mu.Unlock()
		return
	}
	t.state = TaskStateActive
	retries := t.retries
	q.mu.Unlock()

	err := q.handler(context.Background(), jobID, retries)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		t.state = TaskStateCompleted
		q.completed = q.retain(q.completed, handle, q.policy.CompletedRetention)
		q.logger.Info("delivery succeeded", "worker_id", workerID, "job_id", jobID, "retries", retries)
		return
	}

	t.lastErr = err.Error()
	attempts := t.retries + 1
	if attempts >= q.policy.MaxAttempts {
		t.state = TaskStateFailed
		q.failed = q.retain(q.failed, handle, q.policy.FailedRetention)
		q.logger.Error("delivery budget exhausted", "worker_id", workerID,
			"job_id", jobID, "attempts", attempts, "error", err)
		return
	}

	t.retries++
	delay := q.policy.Backoff(t.retries)
	t.state = TaskStateRetry
	t.nextRetryAt = time.Now().Add(delay)
	t.timer = time.AfterFunc(delay, func() { q.requeue(jobID) })
	q.logger.Warn("delivery failed, rescheduling", "worker_id", workerID,
		"job_id", jobID, "attempt", attempts, "retry_in", delay, "error", err)
}

func (q *Memory) requeue(jobID uuid.UUID) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if t, ok := q.tasks[jobID.String()]; ok {
		t.state = TaskStateQueued
		t.timer = nil
	}
	q.mu.Unlock()

	select {
	case q.ch <- jobID:
	case <-q.quit:
	}
}

// retain appends handle to a finished ring and evicts the oldest entry past
// cap, dropping its task bookkeeping entirely.
func (q *Memory) retain(ring []string, handle string, max int) []string {
	ring = append(ring, handle)
	for len(ring) > max {
		oldest := ring[0]
		ring = ring[1:]
		if t, ok := q.tasks[oldest]; ok && (t.state == TaskStateCompleted || t.state == TaskStateFailed) {
			delete(q.tasks, oldest)
		}
	}
	return ring
}

func (q *Memory) Enqueue(_ context.Context, jobID uuid.UUID) (string, error) {
	handle := jobID.String()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("cannot enqueue: queue is shutting down", "job_id", jobID)
		return "", context.Canceled
	}
	if t, ok := q.tasks[handle]; ok && t.state != TaskStateCompleted && t.state != TaskStateFailed {
		// already queued or in flight; at-most-one active delivery per job
		q.mu.Unlock()
		return handle, nil
	}
	q.tasks[handle] = &memTask{jobID: jobID, state: TaskStateQueued}
	q.mu.Unlock()

	select {
	case q.ch <- jobID:
		q.logger.Info("job queued", "job_id", jobID)
	default:
		q.logger.Warn("queue full, applying backpressure", "job_id", jobID)
		select {
		case q.ch <- jobID:
		case <-q.quit:
			return "", context.Canceled
		}
	}
	return handle, nil
}

func (q *Memory) GetJob(_ context.Context, handle string) (*TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[handle]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &TaskInfo{
		Handle:      handle,
		JobID:       t.jobID,
		State:       t.state,
		Retries:     t.retries,
		LastError:   t.lastErr,
		NextRetryAt: t.nextRetryAt,
	}, nil
}

// Shutdown stops pending retries, closes the intake and waits for in-flight
// deliveries to drain or ctx to expire.
func (q *Memory) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, t := range q.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	close(q.quit)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
