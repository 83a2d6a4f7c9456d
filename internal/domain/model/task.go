package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskType represents the kind of queued work.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TaskType string

// TaskStatus represents the queue state of a task.
type TaskStatus string

const (
	// TaskTypeProcessVideo runs the full pipeline for one job.
	TaskTypeProcessVideo TaskType = "process_video"
	// TaskTypeDeliverWebhook performs one webhook delivery attempt.
	TaskTypeDeliverWebhook TaskType = "deliver_webhook"

	// TaskStatusPending indicates a task is waiting to be reserved.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates a worker holds the task lease.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the handler returned successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the handler failed on every allowed attempt.
	TaskStatusFailed TaskStatus = "failed"
)

// DefaultTaskMaxRetries is the queue-level attempt ceiling.
const DefaultTaskMaxRetries = 3

// ErrNoTasksAvailable is returned when no tasks are available for reservation.
var ErrNoTasksAvailable = errors.New("no tasks available")

// UnmarshalText implements encoding.TextUnmarshaler for TaskType to allow env parsing.
func (t *TaskType) UnmarshalText(text []byte) error {
	v := TaskType(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() {
		*t = v
		return nil
	}
	return fmt.Errorf("invalid TaskType: %q", v)
}

// Valid returns true if the TaskType is valid.
func (t TaskType) Valid() bool {
	return t == TaskTypeProcessVideo || t == TaskTypeDeliverWebhook
}

// Valid returns true if the TaskStatus is valid.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusPending || s == TaskStatusRunning || s == TaskStatusCompleted ||
		s == TaskStatusFailed
}

// Task is a durable queue item.
type Task struct {
	ID             string          `json:"id"                         db:"id"`
	Type           TaskType        `json:"type"                       db:"type"`
	Status         TaskStatus      `json:"status"                     db:"status"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	JobID          *string         `json:"job_id,omitempty"           db:"job_id"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// CreateTaskRequest represents a request to enqueue a task.
type CreateTaskRequest struct {
	Type        TaskType        `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	JobID       *string         `json:"job_id,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
}

// Validate validates the CreateTaskRequest fields.
func (r *CreateTaskRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid task type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// TaskStats represents statistics about tasks in different states.
type TaskStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ProcessVideoPayload is the payload of a process_video task.
type ProcessVideoPayload struct {
	JobID         string     `json:"jobId"`
	SourceLocator string     `json:"sourceLocator"`
	SourceKind    SourceKind `json:"sourceKind"`
}

// DeliverWebhookPayload is the payload of a deliver_webhook task.
type DeliverWebhookPayload struct {
	WebhookID string          `json:"webhookId"`
	JobID     string          `json:"jobId"`
	Event     string          `json:"event"`
	Attempt   int             `json:"attempt"`
	Body      json.RawMessage `json:"body"`
}
