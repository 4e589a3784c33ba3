// Package queue distributes job runs over Redis with asynq. The dispatcher
// enqueues one task per job identifier; workers run them through the engine.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"polyflow/internal/core"
	"polyflow/internal/engine"
	"polyflow/internal/logging"
)

// TaskTypeRun is the asynq task type for running one job.
const TaskTypeRun = "polyflow:run"

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "polyflow"

// RunPayload is the task body.
type RunPayload struct {
	JobID core.JobID `json:"job_id"`
}

// NewRunTask builds the task for id. The task ID is the job ID, so a job
// that is already pending or running cannot be enqueued twice.
func NewRunTask(id core.JobID, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(RunPayload{JobID: id})
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.TaskID(id.String())}, opts...)
	return asynq.NewTask(TaskTypeRun, data, opts...), nil
}

// Dispatcher enqueues run tasks.
type Dispatcher struct {
	client    *asynq.Client
	queue     string
	maxRetry  int
	retention time.Duration
	log       logging.Logger
}

func NewDispatcher(client *asynq.Client, queue string, maxRetry int, log logging.Logger) *Dispatcher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Dispatcher{
		client:    client,
		queue:     queue,
		maxRetry:  maxRetry,
		retention: 24 * time.Hour,
		log:       logging.OrNop(log),
	}
}

// EnqueueResult counts what Enqueue did.
type EnqueueResult struct {
	Enqueued  int
	Duplicate int
}

// Enqueue submits one task per id. Jobs that already have a live task are
// counted as duplicates and otherwise ignored.
func (d *Dispatcher) Enqueue(ctx context.Context, ids []core.JobID) (EnqueueResult, error) {
	var res EnqueueResult
	for _, id := range ids {
		task, err := NewRunTask(id,
			asynq.Queue(d.queue),
			asynq.MaxRetry(d.maxRetry),
			asynq.Retention(d.retention),
		)
		if err != nil {
			return res, err
		}
		info, err := d.client.EnqueueContext(ctx, task)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict):
			res.Duplicate++
			d.log.Debug("task already queued", "job", id.Short())
		case err != nil:
			return res, fmt.Errorf("enqueue %s: %w", id.Short(), err)
		default:
			res.Enqueued++
			d.log.Debug("task enqueued", "job", id.Short(), "queue", info.Queue)
		}
	}
	return res, nil
}

// Runner runs one job; *project.Project satisfies it.
type Runner interface {
	Run(ctx context.Context, id core.JobID) (engine.Outcome, error)
}

// Handler processes run tasks.
type Handler struct {
	runner Runner
	log    logging.Logger
}

func NewHandler(runner Runner, log logging.Logger) *Handler {
	return &Handler{runner: runner, log: logging.OrNop(log)}
}

// ProcessTask implements asynq.Handler.
//
// Retry policy: jobs that do not exist, cannot be built or are leased by
// another worker are not retried. Stage failures are absorbed by the engine
// and complete the task, except cancellations, which are returned so the
// task is retried and resumes from its checkpoint. Any other error is a
// storage failure and is retried.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p RunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := core.ParseJobID(string(p.JobID))
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	out, err := h.runner.Run(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrConcurrentRun) || errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrSchema) {
			h.log.Warn("task dropped", "job", id.Short(), "error", err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	switch {
	case out.AlreadyDone:
		h.log.Info("job already sampled", "job", id.Short())
	case out.Failure != nil && out.Failure.Cancelled():
		return out.Failure
	case out.Failure != nil:
		h.log.Warn("job interrupted", "job", id.Short(), "stage", string(out.Failure.Stage), "timestep", out.Timestep)
	default:
		h.log.Info("job complete", "job", id.Short(), "timestep", out.Timestep)
	}
	return nil
}

// NewServeMux routes run tasks to h.
func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeRun, h)
	return mux
}

// ServerConfig returns the asynq server configuration for a worker.
func ServerConfig(queue string, concurrency int, level string, log logging.Logger) asynq.Config {
	if queue == "" {
		queue = DefaultQueue
	}
	return asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      asynqLogger{logging.OrNop(log)},
		LogLevel:    logLevel(level),
	}
}

func logLevel(level string) asynq.LogLevel {
	switch level {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// asynqLogger adapts logging.Logger to asynq.Logger.
type asynqLogger struct{ l logging.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
