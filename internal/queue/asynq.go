package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	taskTypeProcess = "sheet:process"
	queueName       = "ingest"

	// finished tasks stay visible to the Inspector for a day; the record
	// store remains authoritative.
	taskRetention = 24 * time.Hour
)

// Asynq is the durable queue: Redis-backed, at-least-once, with asynq's own
// retry bookkeeping mapped onto the delivery policy.
type Asynq struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	handler   Handler
	logger    *slog.Logger
	policy    Policy
}

func NewAsynq(redisURL string, handler Handler, logger *slog.Logger, policy Policy) (*Asynq, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy = policy.withDefaults()

	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: policy.Concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return policy.Backoff(n)
		},
	})

	q := &Asynq{
		client:    asynq.NewClient(opt),
		server:    server,
		inspector: asynq.NewInspector(opt),
		mux:       asynq.NewServeMux(),
		handler:   handler,
		logger:    logger,
		policy:    policy,
	}
	q.mux.HandleFunc(taskTypeProcess, q.handleTask)
	return q, nil
}

// StartWorkers runs the consumer pool in the background.
func (q *Asynq) StartWorkers() {
	go func() {
		if err := q.server.Run(q.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			q.logger.Error("asynq server stopped", "error", err)
		}
	}()
}

func (q *Asynq) Shutdown(_ context.Context) {
	q.server.Shutdown()
	if err := q.client.Close(); err != nil {
		q.logger.Warn("closing asynq client", "error", err)
	}
	if err := q.inspector.Close(); err != nil {
		q.logger.Warn("closing asynq inspector", "error", err)
	}
}

func (q *Asynq) Enqueue(ctx context.Context, jobID uuid.UUID) (string, error) {
	body, err := encodePayload(jobID)
	if err != nil {
		return "", err
	}
	task := asynq.NewTask(taskTypeProcess, body, asynq.Queue(queueName))
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(q.policy.MaxAttempts-1),
		asynq.Retention(taskRetention),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Info("job queued", "job_id", jobID, "handle", info.ID)
	return info.ID, nil
}

func (q *Asynq) GetJob(_ context.Context, handle string) (*TaskInfo, error) {
	ti, err := q.inspector.GetTaskInfo(queueName, handle)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	jobID, err := decodePayload(ti.Payload)
	if err != nil {
		return nil, err
	}
	return &TaskInfo{
		Handle:      ti.ID,
		JobID:       jobID,
		State:       mapTaskState(ti),
		Retries:     ti.Retried,
		LastError:   ti.LastErr,
		NextRetryAt: ti.NextProcessAt,
	}, nil
}

func (q *Asynq) handleTask(ctx context.Context, task *asynq.Task) error {
	jobID, err := decodePayload(task.Payload())
	if err != nil {
		// malformed broker input; retrying cannot help
		q.logger.Error("dropping malformed task payload", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	retries, _ := asynq.GetRetryCount(ctx)
	return q.handler(ctx, jobID, retries)
}

func mapTaskState(ti *asynq.TaskInfo) TaskState {
	switch ti.State {
	case asynq.TaskStateActive:
		return TaskStateActive
	case asynq.TaskStateRetry:
		return TaskStateRetry
	case asynq.TaskStateCompleted:
		return TaskStateCompleted
	case asynq.TaskStateArchived:
		return TaskStateFailed
	default:
		return TaskStateQueued
	}
}
