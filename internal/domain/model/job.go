// Package model defines the core data types shared by the sopline pipeline, its queue, and its API.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceKind determines how the pipeline obtains the video for a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type SourceKind string

// JobStatus represents the lifecycle state of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// SourceKindFile means the locator names a stored upload.
	SourceKindFile SourceKind = "FILE"
	// SourceKindRemote means the locator is a remote video URL that must be fetched.
	SourceKindRemote SourceKind = "REMOTE"

	// JobStatusPending indicates a job is waiting for a worker slot.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusProcessing indicates a worker is running the pipeline for the job.
	JobStatusProcessing JobStatus = "PROCESSING"
	// JobStatusCompleted indicates every stage finished and artifacts are available.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed indicates a stage failed; Error holds the reason.
	JobStatusFailed JobStatus = "FAILED"
)

// Valid returns true if the SourceKind is known.
func (k SourceKind) Valid() bool {
	return k == SourceKindFile || k == SourceKindRemote
}

// UnmarshalText accepts any casing.
func (k *SourceKind) UnmarshalText(text []byte) error {
	v := SourceKind(strings.ToUpper(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid SourceKind: %q", string(text))
	}
	*k = v
	return nil
}

// Valid returns true if the JobStatus is known.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal reports whether no worker will touch the job again without an explicit retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// UnmarshalText accepts any casing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToUpper(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", string(text))
	}
	*s = v
	return nil
}

// Job is one video-to-document conversion request and its tracked lifecycle.
type Job struct {
	ID            string          `json:"id"                    db:"id"`
	SourceLocator string          `json:"sourceLocator"         db:"source_locator"`
	SourceKind    SourceKind      `json:"sourceKind"            db:"source_kind"`
	Status        JobStatus       `json:"status"                db:"status"`
	UserID        *string         `json:"userId,omitempty"      db:"user_id"`
	SessionID     *string         `json:"sessionId,omitempty"   db:"session_id"`
	CallbackURL   *string         `json:"callbackUrl,omitempty" db:"callback_url"`
	WebhookID     *string         `json:"webhookId,omitempty"   db:"webhook_id"`
	Template      int             `json:"template"              db:"template"`
	Error         *string         `json:"error,omitempty"       db:"error"`
	Metadata      json.RawMessage `json:"metadata"              db:"metadata"`
	CreatedAt     time.Time       `json:"createdAt"             db:"created_at"`
	UpdatedAt     time.Time       `json:"updatedAt"             db:"updated_at"`
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	SourceLocator string     `json:"sourceLocator"`
	SourceKind    SourceKind `json:"sourceKind"`
	CallbackURL   *string    `json:"callbackUrl,omitempty"`
	UserID        *string    `json:"userId,omitempty"`
	SessionID     *string    `json:"sessionId,omitempty"`
	Template      int        `json:"template,omitempty"`
}

// Validate checks the request shape. Locator semantics (host patterns, stored uploads) are checked by the service.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.SourceLocator) == "" {
		return errors.New("source locator is required")
	}
	if !r.SourceKind.Valid() {
		return errors.New("invalid source kind")
	}
	hasUser := r.UserID != nil && *r.UserID != ""
	hasSession := r.SessionID != nil && *r.SessionID != ""
	if hasUser == hasSession {
		return errors.New("exactly one of user id or session id is required")
	}
	if hasUser {
		if _, err := uuid.Parse(*r.UserID); err != nil {
			return errors.New("user id must be a valid UUID")
		}
	}
	if r.Template < 0 {
		return errors.New("template must be >= 0")
	}
	return nil
}

// JobListOptions groups the optional filters for listing jobs.
type JobListOptions struct {
	Status        *JobStatus
	SourceKind    *SourceKind
	UserID        *string
	SessionID     *string
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// TransitionRequest describes a status change.
type TransitionRequest struct {
	JobID  string
	Status JobStatus
	// Error is stored only when Status is FAILED.
	Error string
}
