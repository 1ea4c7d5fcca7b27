package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// ErrUnknownTask is returned for a task type the worker cannot dispatch.
var ErrUnknownTask = errors.New("unknown task type")

// Config controls how a Worker handles failed tasks.
type Config struct {
	// MaxAttempts bounds how often a task that failed with an
	// infrastructure error is re-enqueued. Zero means 3.
	MaxAttempts int
	// RetryDelay is the delay before the first retry; it doubles for each
	// further attempt. Zero means 500ms.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using an engine.
type Worker struct {
	engine api.Runner
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a new Worker with the default Config.
func New(engine api.Runner, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker using cfg.
func NewWithConfig(engine api.Runner, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{engine: engine, queue: queue, cfg: cfg, logger: logger}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a task was processed; err is the handler result.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.Handle(ctx, *task)
}

// Handle dispatches task to the engine. A task that failed for a reason
// other than a precondition is re-enqueued until MaxAttempts is reached.
func (w *Worker) Handle(ctx context.Context, task taskqueue.Task) error {
	err := w.dispatch(ctx, task)
	if err == nil {
		return nil
	}

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.String("instance_id", task.InstanceID),
		slog.Int("attempt", task.Attempts+1),
	)
	if !retryable(err) || ctx.Err() != nil || task.Attempts+1 >= w.cfg.MaxAttempts {
		log.WarnContext(ctx, "task_failed", slog.Any("error", err))
		return err
	}

	retry := task
	retry.Attempts++
	retry.NotBefore = time.Now().Add(w.cfg.RetryDelay << task.Attempts)
	if qerr := w.queue.Enqueue(ctx, retry); qerr != nil {
		return errors.Join(err, fmt.Errorf("re-enqueue task %s: %w", task.ID, qerr))
	}
	log.InfoContext(ctx, "task_retry_scheduled", slog.Any("error", err), slog.Time("not_before", retry.NotBefore))
	return err
}

func (w *Worker) dispatch(ctx context.Context, task taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeRunInstance:
		_, err := w.engine.RunInstance(ctx, task.InstanceID)
		return err

	case taskqueue.TaskTypeTimerWake:
		_, err := w.engine.WakeTimer(ctx, task.InstanceID)
		return err

	case taskqueue.TaskTypeApprovalTimeout:
		_, err := w.engine.HandleApprovalTimeout(ctx, task.InstanceID, task.StepNumber, task.Escalated)
		return err

	default:
		return fmt.Errorf("%w: %q", ErrUnknownTask, task.Type)
	}
}

// Run processes tasks until ctx is cancelled. Task failures are logged and
// do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !processed {
			// Dequeue failure: back off instead of spinning on a broken queue.
			w.logger.ErrorContext(ctx, "task_dequeue_failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.RetryDelay):
			}
		}
	}
}

// Drain processes tasks until none becomes due within idle, and returns
// how many tasks it handled. Handler errors are logged, not returned.
func (w *Worker) Drain(ctx context.Context, idle time.Duration) (int, error) {
	n := 0
	for {
		dctx, cancel := context.WithTimeout(ctx, idle)
		task, err := w.queue.Dequeue(dctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return n, nil
			}
			return n, err
		}
		_ = w.Handle(ctx, *task)
		n++
	}
}

var preconditions = []error{
	api.ErrDefinitionNotFound,
	api.ErrInstanceNotFound,
	api.ErrNotPending,
	api.ErrNotPaused,
	api.ErrNotRunning,
	api.ErrForbidden,
	api.ErrNoEscalationRole,
	api.ErrInvalidDefinition,
	api.ErrInvalidAction,
	ErrUnknownTask,
}

func retryable(err error) bool {
	for _, p := range preconditions {
		if errors.Is(err, p) {
			return false
		}
	}
	return true
}
