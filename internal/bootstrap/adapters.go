package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/target/sopline/config"
	"github.com/target/sopline/internal/adapters/jobrunner"
	"github.com/target/sopline/internal/adapters/reaper"
	"github.com/target/sopline/internal/domain/model"
)

// runJobRunner centralizes job runner setup so individual runners only pass task-specific options.
// Example usage:
//
//	return runJobRunner(ctx, jobrunner.RunnerOptions{
//		Tasks:       services.Tasks,
//		Logger:      logger,
//		Lease:       cfg.JobLease,
//		Concurrency: cfg.Concurrency,
//		TaskType:    model.TaskTypeProcessVideo,
//		Handler:     services.Pipeline.HandleTask,
//	})
func runJobRunner(ctx context.Context, opts jobrunner.RunnerOptions) error {
	label := jobRunnerLabel(opts.TaskType)

	runner, err := jobrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create %s runner: %w", label, err)
	}

	if runErr := runner.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run %s runner: %w", label, runErr)
	}
	return nil
}

func jobRunnerLabel(taskType model.TaskType) string {
	switch taskType {
	case model.TaskTypeProcessVideo:
		return "pipeline"
	case model.TaskTypeDeliverWebhook:
		return "webhook"
	}

	if taskType == "" {
		return "task"
	}
	return strings.ToLower(strings.ReplaceAll(string(taskType), "_", " "))
}

// PipelineRunnerConfig contains configuration for the process_video worker.
type PipelineRunnerConfig struct {
	Config   config.PipelineRunnerConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunPipelineRunner processes queued videos until ctx is cancelled.
func RunPipelineRunner(ctx context.Context, cfg PipelineRunnerConfig) error {
	if cfg.Services.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	return runJobRunner(ctx, jobrunner.RunnerOptions{
		Tasks:       cfg.Services.Tasks,
		Logger:      cfg.Logger,
		Lease:       cfg.Config.JobLease,
		Concurrency: cfg.Config.Concurrency,
		TaskType:    model.TaskTypeProcessVideo,
		Handler:     cfg.Services.Pipeline.HandleTask,
		Metrics:     cfg.Services.Metrics,
	})
}

// WebhookRunnerConfig contains configuration for the deliver_webhook worker.
type WebhookRunnerConfig struct {
	Config   config.WebhookRunnerConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunWebhookRunner delivers queued callback attempts until ctx is cancelled.
func RunWebhookRunner(ctx context.Context, cfg WebhookRunnerConfig) error {
	if cfg.Services.Webhooks == nil {
		return errors.New("webhook dispatcher is required")
	}
	return runJobRunner(ctx, jobrunner.RunnerOptions{
		Tasks:       cfg.Services.Tasks,
		Logger:      cfg.Logger,
		Lease:       cfg.Config.JobLease,
		Concurrency: cfg.Config.Concurrency,
		TaskType:    model.TaskTypeDeliverWebhook,
		Handler:     cfg.Services.Webhooks.Deliver,
		Metrics:     cfg.Services.Metrics,
	})
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB       *sql.DB
	Config   config.ReaperConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

func newReaperRunner(cfg ReaperConfig) (*reaper.Runner, error) {
	opts := reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Jobs:    cfg.Services.Jobs,
		Logger:  cfg.Logger,
		Metrics: cfg.Services.Metrics,
	}
	if cfg.Services.Artifacts != nil {
		opts.Artifacts = cfg.Services.Artifacts
	}
	if cfg.Services.Tasks != nil {
		opts.Tasks = cfg.Services.Tasks
	}
	runner, err := reaper.NewRunner(opts)
	if err != nil {
		return nil, fmt.Errorf("create reaper runner: %w", err)
	}
	return runner, nil
}

// RunReaper starts the retention sweep on its schedule.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := newReaperRunner(cfg)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// SweepOnce performs a single retention sweep and returns.
func SweepOnce(ctx context.Context, cfg ReaperConfig) error {
	runner, err := newReaperRunner(cfg)
	if err != nil {
		return err
	}
	return runner.RunOnce(ctx)
}
