// Package core declares the repository ports the services depend on.
package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/target/sopline/internal/domain/model"
)

// CreateJobParams groups everything persisted when a job is created.
type CreateJobParams struct {
	Request *model.CreateJobRequest
	// Webhook is registered in the same transaction when the request carries a callback URL.
	Webhook *model.CreateWebhookRequest
}

// JobRepository defines the persistence operations of the job state machine.
type JobRepository interface {
	// Create inserts a PENDING job and enqueues its process_video task atomically.
	Create(ctx context.Context, params CreateJobParams) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error)
	// Transition applies a guarded status update; the row is only changed when its current
	// status may legally move to the target.
	Transition(ctx context.Context, req model.TransitionRequest) (*model.Job, error)
	// Retry moves a FAILED job back to PENDING, clears its error, and enqueues a new task.
	Retry(ctx context.Context, id string) (*model.Job, error)
	// MergeMetadata applies a shallow JSON union in a single statement.
	MergeMetadata(ctx context.Context, id string, patch model.Metadata) error
	Delete(ctx context.Context, id string) error
}

// TaskRepository defines the durable queue operations.
type TaskRepository interface {
	Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error)
	GetByID(ctx context.Context, id string) (*model.Task, error)
	ReserveNext(ctx context.Context, taskType model.TaskType, leaseSeconds int) (*model.Task, error)
	WaitForNotification(ctx context.Context, taskType model.TaskType) error
	Heartbeat(ctx context.Context, taskID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	Stats(ctx context.Context, taskType model.TaskType) (*model.TaskStats, error)
	Delete(ctx context.Context, id string) error
}

// TaskRepositoryTx defines transactional task creation, used to enqueue alongside job writes.
type TaskRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateTaskRequest) (*model.Task, error)
}

// TaskReaperRepository prunes finished tasks.
type TaskReaperRepository interface {
	DeleteFinishedBefore(ctx context.Context, params DeleteFinishedTasksParams) (int64, error)
}

// DeleteFinishedTasksParams groups parameters for DeleteFinishedBefore.
type DeleteFinishedTasksParams struct {
	Status    model.TaskStatus
	Before    time.Time
	BatchSize int
}

// WebhookRepository defines callback registration lookups.
type WebhookRepository interface {
	GetByID(ctx context.Context, id string) (*model.Webhook, error)
}

// WebhookDeliveryRepository stores the insert-only delivery audit trail.
type WebhookDeliveryRepository interface {
	Create(ctx context.Context, req *model.CreateWebhookDeliveryRequest) (*model.WebhookDelivery, error)
	ListByJob(ctx context.Context, jobID string, limit, offset int) ([]*model.WebhookDelivery, error)
}

// WebhookRepositoryTx registers a webhook inside a caller's transaction.
type WebhookRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateWebhookRequest) (*model.Webhook, error)
}

// CacheRepository is a byte-valued key/value cache with TTLs. Keys are
// namespaced by the implementation.
type CacheRepository interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; a zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfNotExists is an atomic claim: it reports false when the key is already held.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
}
