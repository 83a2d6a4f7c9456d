// Package reaper provides adapters for running the retention sweep.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/sopline/config"
	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/data"
	"github.com/target/sopline/internal/observability/statsd"
	"github.com/target/sopline/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs it on its cron schedule.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB        *sql.DB
	Config    config.ReaperConfig
	Jobs      service.RetentionJobs
	Artifacts service.ArtifactSweeper
	Logger    *slog.Logger

	// Optional dependency injection for testing/decoupling
	Tasks   core.TaskReaperRepository
	Metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper: reaper,
		logger: opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Tasks == nil {
		return errors.New("database connection is required")
	}
	if opts.Jobs == nil {
		return errors.New("job service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireReaperService wires up all dependencies for the reaper service.
func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	tasks := opts.Tasks
	if tasks == nil {
		tasks = data.NewTaskRepo(opts.DB, data.TaskRepoConfig{Logger: opts.Logger})
	}

	// Use NewReaperService instead of Must to allow error propagation
	return service.NewReaperService(service.ReaperServiceOptions{
		Jobs:      opts.Jobs,
		Artifacts: opts.Artifacts,
		Tasks:     tasks,
		Config:    opts.Config,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single sweep immediately.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.reaper.RunOnce(ctx)
}
