package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModePipelineRunner runs the video pipeline worker.
	ServiceModePipelineRunner ServiceMode = "pipeline-runner"
	// ServiceModeWebhookRunner runs the webhook delivery worker.
	ServiceModeWebhookRunner ServiceMode = "webhook-runner"
	// ServiceModeReaper runs the retention sweep.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModePipelineRunner,
		ServiceModeWebhookRunner,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModePipelineRunner,
			ServiceModeWebhookRunner,
			ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, pipeline-runner, webhook-runner, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// PipelineRunnerConfig contains video pipeline worker configuration.
type PipelineRunnerConfig struct {
	// Concurrency is the number of pipeline slots; tasks beyond it stay pending in Postgres.
	Concurrency int `env:"PIPELINE_RUNNER_CONCURRENCY" envDefault:"2"`

	// JobLease is the duration to lease a process_video task. Running tasks renew it.
	JobLease time.Duration `env:"PIPELINE_RUNNER_JOB_LEASE" envDefault:"2m"`

	// ProgressStep is the minimum download progress delta, in percent, between metadata writes.
	ProgressStep float64 `env:"PIPELINE_RUNNER_PROGRESS_STEP" envDefault:"5"`
}

// Sanitize applies guardrails to pipeline runner configuration values.
func (p *PipelineRunnerConfig) Sanitize() {
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.JobLease < 10*time.Second {
		p.JobLease = 10 * time.Second
	}
	if p.ProgressStep <= 0 || p.ProgressStep > 100 {
		p.ProgressStep = 5
	}
}

// WebhookRunnerConfig contains webhook delivery worker configuration.
type WebhookRunnerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WEBHOOK_RUNNER_CONCURRENCY" envDefault:"2"`

	// JobLease is the duration to lease a deliver_webhook task.
	JobLease time.Duration `env:"WEBHOOK_RUNNER_JOB_LEASE" envDefault:"30s"`

	// Timeout bounds a single delivery request.
	Timeout time.Duration `env:"WEBHOOK_RUNNER_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to webhook runner configuration values.
func (w *WebhookRunnerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.Timeout <= 0 {
		w.Timeout = 10 * time.Second
	}
	// A request must finish inside its lease or a second worker could send the same attempt.
	if w.Timeout >= w.JobLease {
		w.Timeout = w.JobLease / 2
	}
}

// DefaultReaperSchedule runs the retention sweep daily at 02:00.
const DefaultReaperSchedule = "0 2 * * *"

// ReaperConfig contains retention sweep configuration.
type ReaperConfig struct {
	// Schedule is a standard five-field cron expression.
	Schedule string `env:"REAPER_SCHEDULE" envDefault:"0 2 * * *"`

	// CleanupDays is the age, in days, after which jobs and their artifacts are deleted.
	CleanupDays int `env:"CLEANUP_DAYS" envDefault:"7"`

	// TaskMaxAge is the maximum age for completed and failed queue tasks before deletion.
	TaskMaxAge time.Duration `env:"REAPER_TASK_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Retention returns the job retention window.
func (r ReaperConfig) Retention() time.Duration {
	return time.Duration(r.CleanupDays) * 24 * time.Hour
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	r.Schedule = strings.TrimSpace(r.Schedule)
	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		r.Schedule = DefaultReaperSchedule
	}
	if r.CleanupDays < 1 {
		r.CleanupDays = 1
	}
	if r.TaskMaxAge < 1*time.Hour {
		r.TaskMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 1000 {
		r.BatchSize = 1000
	}
}
