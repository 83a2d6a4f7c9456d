// Package jobrunner runs queue workers: a fixed number of slots per task type that reserve
// tasks from Postgres, keep their lease alive, and hand them to a handler.
package jobrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/data"
	"github.com/target/sopline/internal/domain/model"
	"github.com/target/sopline/internal/domain/queue"
	"github.com/target/sopline/internal/observability/metrics"
	"github.com/target/sopline/internal/observability/statsd"
)

// HandlerFunc processes a task. A returned error fails the attempt, which the queue retries
// with exponential delay until the task runs out of attempts.
type HandlerFunc func(ctx context.Context, task *model.Task) error

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Task processing settings
	Lease       time.Duration  // per-task lease duration; defaults to 30s
	Concurrency int            // number of worker slots; defaults to 1
	TaskType    model.TaskType // which task type to process
	Handler     HandlerFunc    // Required: processes reserved tasks

	// Optional dependency injections (useful for tests/decoupling)
	Tasks    core.TaskRepository
	Notifier queue.Notifier
	Metrics  statsd.Sink
}

// Runner pulls tasks of one type and executes them with its handler.
type Runner struct {
	tasks        core.TaskRepository
	notifier     queue.Notifier
	ownsNotifier bool
	leasePolicy  *queue.LeasePolicy
	handler      HandlerFunc
	logger       *slog.Logger
	lease        time.Duration
	taskType     model.TaskType
	workers      int
	metrics      statsd.Sink
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// NewRunner wires the task repository and constructs a runner for a single task type.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.Tasks == nil {
		return nil, errors.New("either DB or Tasks must be provided")
	}
	if !opts.TaskType.Valid() {
		return nil, fmt.Errorf("invalid task type %q", opts.TaskType)
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}

	logger := resolveLogger(opts.Logger)

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	policy, err := queue.NewLeasePolicy(lease)
	if err != nil {
		return nil, err
	}

	tasks := opts.Tasks
	if tasks == nil {
		tasks = data.NewTaskRepo(opts.DB, data.TaskRepoConfig{Logger: logger})
	}

	r := &Runner{
		tasks:       tasks,
		notifier:    opts.Notifier,
		leasePolicy: policy,
		handler:     opts.Handler,
		lease:       lease,
		taskType:    opts.TaskType,
		workers:     workers,
		metrics:     opts.Metrics,
	}
	r.logger = logger.With("component", r.componentLabel())

	if r.notifier == nil {
		n, err := queue.NewNotifier(queue.NotifierOptions{Waiter: tasks})
		if err != nil {
			return nil, fmt.Errorf("create task notifier: %w", err)
		}
		r.notifier = n
		r.ownsNotifier = true
	}
	return r, nil
}

// Run starts the worker slots and processes tasks until the context is cancelled. Tasks beyond
// the slot count stay pending in the queue.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "type", r.taskType, "workers", r.workers, "lease", r.lease)

	// Subscribe for notifications for the task type we process
	unsub, ch := r.notifier.Subscribe(r.taskType)
	defer unsub()
	if r.ownsNotifier {
		defer r.notifier.StopAll()
	}

	// The first fatal error cancels every slot.
	g, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			return r.workerLoop(gctx, ch)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		task, err := r.tasks.ReserveNext(ctx, r.taskType, r.leasePolicy.Seconds(r.lease))
		switch {
		case err == nil:
			if task != nil {
				r.processTask(ctx, task)
			}
		case errors.Is(err, model.ErrNoTasksAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-notify:
		return ok
	}
}

func (r *Runner) processTask(ctx context.Context, task *model.Task) {
	start := time.Now()
	logger := r.logger.With("task_id", task.ID, "attempt", task.RetryCount+1)
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.TaskMetric{
			TaskType:   string(task.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	taskCtx, cancel := context.WithCancel(ctx)
	stopHeartbeat := r.startHeartbeat(taskCtx, cancel, logger, task.ID)
	err := r.invoke(taskCtx, task)
	leaseLost := stopHeartbeat()
	cancel()

	if leaseLost {
		emit("abandoned", metrics.ResultError, err)
		return
	}
	if ctx.Err() != nil {
		// Shutting down: the lease expires and another worker picks the task up.
		logger.InfoContext(ctx, "runner stopping, leaving task for lease expiry", "error", err)
		emit("abandoned", metrics.ResultNoop, nil)
		return
	}

	if err != nil {
		if _, ferr := r.tasks.Fail(ctx, task.ID, err.Error()); ferr != nil {
			logger.ErrorContext(ctx, "fail task error", "error", ferr, "original_error", err)
		}
		logger.WarnContext(ctx, "task attempt failed", "error", err)
		emit("failed", metrics.ResultError, err)
		return
	}
	if completed, err := r.tasks.Complete(ctx, task.ID); err != nil {
		logger.ErrorContext(ctx, "complete task error", "error", err)
		emit("completed", metrics.ResultError, err)
	} else {
		result := metrics.ResultNoop
		if completed {
			result = metrics.ResultSuccess
		}
		emit("completed", result, nil)
	}
}

// invoke runs the handler, converting a panic into a failed attempt.
func (r *Runner) invoke(ctx context.Context, task *model.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, task)
}

// startHeartbeat extends the task lease every half lease until stopped. A lost lease cancels
// the handler, since another worker may already own the task; the returned stop func reports it.
func (r *Runner) startHeartbeat(
	ctx context.Context,
	cancel context.CancelFunc,
	logger *slog.Logger,
	taskID string,
) func() bool {
	done := make(chan struct{})
	stopped := make(chan struct{})
	var lost atomic.Bool
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(queue.HeartbeatInterval(r.lease))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := r.tasks.Heartbeat(ctx, taskID, r.leasePolicy.Seconds(r.lease))
				if err != nil {
					logger.WarnContext(ctx, "heartbeat failed", "error", err)
					continue
				}
				if !ok {
					logger.WarnContext(ctx, "task lease lost, abandoning")
					lost.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() bool {
		close(done)
		<-stopped
		return lost.Load()
	}
}

func (r *Runner) componentLabel() string {
	switch r.taskType {
	case model.TaskTypeProcessVideo:
		return "pipeline_runner"
	case model.TaskTypeDeliverWebhook:
		return "webhook_runner"
	default:
		return "job_runner"
	}
}
