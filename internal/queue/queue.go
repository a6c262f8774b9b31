// Package queue delivers processing jobs to workers with at-least-once
// semantics, capped retries and exponential backoff. Two implementations
// exist: Memory (in-process, used in tests and single-node mode) and Asynq
// (Redis-backed, durable).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Handler executes one delivery attempt. retries is the number of prior
// attempts for this enqueue (0 on the first). A nil return acknowledges the
// delivery; an error triggers rescheduling until the attempt budget runs out.
type Handler func(ctx context.Context, jobID uuid.UUID, retries int) error

// ErrTaskNotFound is returned by GetJob for unknown or expired handles.
var ErrTaskNotFound = errors.New("task not found")

// TaskState is the queue-side view of a delivery; the record store remains
// the authoritative job state.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateActive    TaskState = "active"
	TaskStateRetry     TaskState = "retry"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

// TaskInfo describes a delivery for operator diagnosis.
type TaskInfo struct {
	Handle      string
	JobID       uuid.UUID
	State       TaskState
	Retries     int
	LastError   string
	NextRetryAt time.Time
}

// Queue is the capability handed to the Coordinator: submit work, look a
// delivery up by handle. Consumption happens inside the implementation's
// worker pool.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) (string, error)
	GetJob(ctx context.Context, handle string) (*TaskInfo, error)
}

// Policy holds delivery and housekeeping knobs shared by implementations.
type Policy struct {
	Concurrency        int
	MaxAttempts        int
	BaseDelay          time.Duration
	CompletedRetention int
	FailedRetention    int
}

func DefaultPolicy() Policy {
	return Policy{
		Concurrency:        4,
		MaxAttempts:        3,
		BaseDelay:          2 * time.Second,
		CompletedRetention: 10,
		FailedRetention:    50,
	}
}

// Backoff returns the delay before the nth retry (1-based): BaseDelay,
// doubling per attempt.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return p.BaseDelay << (n - 1)
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Concurrency < 1 {
		p.Concurrency = d.Concurrency
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.CompletedRetention < 1 {
		p.CompletedRetention = d.CompletedRetention
	}
	if p.FailedRetention < 1 {
		p.FailedRetention = d.FailedRetention
	}
	return p
}
