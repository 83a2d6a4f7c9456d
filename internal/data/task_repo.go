package data

import (
	"database/sql"
	"log/slog"
	"time"
)

// TaskRepoConfig holds configuration options for the task repository.
type TaskRepoConfig struct {
	// RetryBaseDelay is the first re-schedule delay after a failed attempt; it doubles per retry.
	RetryBaseDelay time.Duration
	Logger         *slog.Logger
	Clock          Clock
}

// TaskRepo is the Postgres-backed durable queue.
type TaskRepo struct {
	DB     *sql.DB
	cfg    TaskRepoConfig
	clock  Clock
	logger *slog.Logger
}

// NewTaskRepo creates a new TaskRepo.
func NewTaskRepo(db *sql.DB, cfg TaskRepoConfig) *TaskRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TaskRepo{
		DB:     db,
		cfg:    cfg,
		clock:  clockOrSystem(cfg.Clock),
		logger: logger.With("component", "task_repo"),
	}
}

const defaultRetryBaseDelay = time.Second

func (r *TaskRepo) retryBase() time.Duration {
	if r.cfg.RetryBaseDelay > 0 {
		return r.cfg.RetryBaseDelay
	}
	return defaultRetryBaseDelay
}

const taskColumns = `
  id,
  type,
  status,
  payload,
  job_id,
  scheduled_at,
  started_at,
  completed_at,
  retry_count,
  max_retries,
  last_error,
  lease_expires_at,
  created_at,
  updated_at
`
