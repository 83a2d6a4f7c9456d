package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/sopline/config"
	"github.com/target/sopline/internal/artifact"
	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/domain/model"
	apperrors "github.com/target/sopline/internal/errors"
	obserrors "github.com/target/sopline/internal/observability/errors"
	"github.com/target/sopline/internal/observability/metrics"
	"github.com/target/sopline/internal/observability/statsd"
)

// RetentionJobs lists and deletes jobs for the retention sweep.
type RetentionJobs interface {
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error)
	Delete(ctx context.Context, id string) error
}

// ArtifactSweeper deletes stored objects older than a cutoff.
type ArtifactSweeper interface {
	Sweep(ctx context.Context, prefix string, before time.Time) (artifact.SweepResult, error)
}

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Jobs      RetentionJobs             // Required: deletes expired jobs, artifacts first
	Artifacts ArtifactSweeper           // Optional: removes orphaned artifacts
	Tasks     core.TaskReaperRepository // Optional: prunes finished queue tasks
	Config    config.ReaperConfig       // Required: reaper configuration
	Now       func() time.Time          // Optional: clock
	Logger    *slog.Logger              // Optional: structured logger
	Metrics   statsd.Sink               // Optional: metrics sink (StatsD-compatible)
}

// ReaperService provides the retention sweep.
//
// This service manages:
// - Deleting jobs older than the retention window, together with their artifacts.
// - Deleting artifacts left behind by jobs that no longer exist.
// - Deleting finished queue tasks to prevent database bloat.
type ReaperService struct {
	jobs      RetentionJobs
	artifacts ArtifactSweeper
	tasks     core.TaskReaperRepository
	config    config.ReaperConfig
	schedule  cron.Schedule
	now       func() time.Time
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("RetentionJobs is required")
	}
	if opts.Config.BatchSize < 1 {
		return nil, errors.New("reaper batch size must be positive")
	}
	schedule, err := cron.ParseStandard(opts.Config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", opts.Config.Schedule, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"schedule", opts.Config.Schedule,
		"cleanup_days", opts.Config.CleanupDays,
		"task_max_age", opts.Config.TaskMaxAge,
	)

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &ReaperService{
		jobs:      opts.Jobs,
		artifacts: opts.Artifacts,
		tasks:     opts.Tasks,
		config:    opts.Config,
		schedule:  schedule,
		now:       now,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ReaperService: %v", err))
	}
	return svc
}

// Run schedules the sweep on the configured cron expression and blocks until the context is
// cancelled. A sweep still running when the next one is due is not overlapped.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service",
		"schedule", s.config.Schedule,
		"next_run", s.schedule.Next(s.now()),
	)

	cl := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logCleanupError(err, "cleanup")
		}
	}))
	c.Start()

	<-ctx.Done()
	s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
	<-c.Stop().Done()

	// Return nil on graceful shutdown to avoid treating it as a failure
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// RunOnce performs one sweep: expired jobs, orphaned artifacts, then finished tasks.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		outcomes           = make([]operationOutcome, 0, 4)
	)

	steps := []cleanupStep{
		{fn: s.deleteExpiredJobs, label: "delete expired jobs", operation: "delete_jobs"},
		{fn: s.sweepArtifacts, label: "sweep artifacts", operation: "sweep_artifacts"},
		{
			fn:        s.deleteFinishedTasks(model.TaskStatusCompleted),
			label:     "delete completed tasks",
			operation: "delete_completed_tasks",
		},
		{
			fn:        s.deleteFinishedTasks(model.TaskStatusFailed),
			label:     "delete failed tasks",
			operation: "delete_failed_tasks",
		},
	}

	for _, step := range steps {
		outcome := s.executeCleanupStep(ctx, step.fn, step.label)
		outcomes = append(outcomes, operationOutcome{
			operation: step.operation,
			count:     outcome.count,
			err:       outcome.metricErr,
		})
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	s.emitCleanupMetrics(outcomes, time.Since(start))

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}

	return nil
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	operation string
}

type cleanupStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

type operationOutcome struct {
	operation string
	count     int64
	err       error
}

func (s *ReaperService) executeCleanupStep(
	ctx context.Context,
	fn cleanupFunc,
	label string,
) cleanupStepOutcome {
	count, err := fn(ctx)
	outcome := cleanupStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

func (s *ReaperService) cutoff() time.Time {
	return s.now().Add(-s.config.Retention())
}

// deleteExpiredJobs deletes jobs created before the retention cutoff through the job service,
// so artifacts go first and the record last. Jobs that cannot be deleted (still processing, or
// an artifact failed to delete) are skipped and retried on the next sweep.
func (s *ReaperService) deleteExpiredJobs(ctx context.Context) (int64, error) {
	cutoff := s.cutoff()
	var (
		deleted  int64
		skipped  int
		firstErr error
	)
	for {
		jobs, err := s.jobs.List(ctx, &model.JobListOptions{
			CreatedBefore: &cutoff,
			Limit:         s.config.BatchSize,
			Offset:        skipped,
		})
		if err != nil {
			return deleted, err
		}
		if len(jobs) == 0 {
			break
		}

		for _, job := range jobs {
			if ctx.Err() != nil {
				return deleted, ctx.Err()
			}
			err := s.jobs.Delete(ctx, job.ID)
			switch {
			case err == nil:
				deleted++
			case apperrors.IsNotFound(err):
				// Removed concurrently; it no longer occupies a page slot.
			case apperrors.IsConflict(err):
				skipped++
				s.logger.InfoContext(ctx, "skipping expired job still processing", "job_id", job.ID)
			default:
				skipped++
				if firstErr == nil {
					firstErr = err
				}
				s.logger.WarnContext(ctx, "failed to delete expired job", "job_id", job.ID, "error", err)
			}
		}
	}

	if deleted > 0 {
		s.logger.InfoContext(ctx, "deleted expired jobs",
			"count", deleted,
			"skipped", skipped,
			"cleanup_days", s.config.CleanupDays,
		)
	}
	if firstErr != nil {
		return deleted, fmt.Errorf("%d expired jobs kept: %w", skipped, firstErr)
	}
	return deleted, nil
}

// sweepArtifacts removes stored objects older than the retention cutoff that were not removed
// with their job, such as uploads that never became a job.
func (s *ReaperService) sweepArtifacts(ctx context.Context) (int64, error) {
	if s.artifacts == nil {
		return 0, nil
	}
	cutoff := s.cutoff()
	var (
		total  int64
		failed int
	)
	for _, prefix := range []string{artifact.PrefixUploads, artifact.PrefixScreenshots, artifact.PrefixExports} {
		res, err := s.artifacts.Sweep(ctx, prefix, cutoff)
		total += int64(res.Deleted)
		failed += res.Failed
		if err != nil {
			return total, err
		}
		if res.Deleted > 0 || res.InUse > 0 {
			s.logger.InfoContext(ctx, "swept artifacts",
				"prefix", prefix,
				"deleted", res.Deleted,
				"in_use", res.InUse,
			)
		}
	}
	if failed > 0 {
		return total, apperrors.Persistencef("%d artifacts could not be deleted", failed)
	}
	return total, nil
}

// deleteFinishedTasks deletes tasks in the given terminal status older than the configured
// max age. Loops until no more rows are affected to handle large datasets in batches.
func (s *ReaperService) deleteFinishedTasks(status model.TaskStatus) cleanupFunc {
	return func(ctx context.Context) (int64, error) {
		if s.tasks == nil {
			return 0, nil
		}
		before := s.now().Add(-s.config.TaskMaxAge)
		var totalCount int64
		for {
			count, err := s.tasks.DeleteFinishedBefore(ctx, core.DeleteFinishedTasksParams{
				Status:    status,
				Before:    before,
				BatchSize: s.config.BatchSize,
			})
			if err != nil {
				return totalCount, err
			}
			totalCount += count
			if count == 0 {
				break
			}
			// Check context between batches
			if ctx.Err() != nil {
				return totalCount, ctx.Err()
			}
		}

		if totalCount > 0 {
			s.logger.InfoContext(ctx, "deleted finished tasks",
				"status", status,
				"count", totalCount,
				"max_age", s.config.TaskMaxAge,
			)
		}
		return totalCount, nil
	}
}

func (s *ReaperService) emitCleanupMetrics(outcomes []operationOutcome, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		totalCount int64
		firstErr   error
	)
	for _, o := range outcomes {
		totalCount += o.count
		if firstErr == nil {
			firstErr = o.err
		}
	}

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)

	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	for _, o := range outcomes {
		s.emitCleanupOperationMetric(o.operation, o.count, o.err)
	}

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(s.now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("reaper.items_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

// cronLogger routes cron's scheduler logs to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
