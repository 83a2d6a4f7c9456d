package model

import (
	"encoding/json"
	"time"
)

// EventJobStatusChanged is the only event emitted to job callbacks.
const EventJobStatusChanged = "job.status_changed"

// DeliveryStatus is the outcome recorded for one webhook attempt.
type DeliveryStatus string

const (
	// DeliveryStatusPending marks an attempt whose outcome is not yet known.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusSuccess marks a 2xx response.
	DeliveryStatusSuccess DeliveryStatus = "success"
	// DeliveryStatusFailed marks a non-2xx response, network error, or timeout.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// Webhook is a callback registration. Secret signs every delivery and is never listed.
type Webhook struct {
	ID        string    `json:"id"         db:"id"`
	URL       string    `json:"url"        db:"url"`
	Secret    string    `json:"-"          db:"secret"`
	Events    []string  `json:"events"     db:"events"`
	IsActive  bool      `json:"is_active"  db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Subscribed reports whether the registration wants the event.
func (w *Webhook) Subscribed(event string) bool {
	if w == nil || !w.IsActive {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// CreateWebhookRequest represents a request to register a callback.
type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events,omitempty"`
}

// WebhookDelivery is an immutable audit record of one delivery attempt.
type WebhookDelivery struct {
	ID        string         `json:"id"                 db:"id"`
	WebhookID string         `json:"webhook_id"         db:"webhook_id"`
	JobID     string         `json:"job_id"             db:"job_id"`
	Event     string         `json:"event"              db:"event"`
	Attempt   int            `json:"attempt"            db:"attempt"`
	Status    DeliveryStatus `json:"status"             db:"status"`
	Response  *string        `json:"response,omitempty" db:"response"`
	Error     *string        `json:"error,omitempty"    db:"error"`
	CreatedAt time.Time      `json:"created_at"         db:"created_at"`
}

// CreateWebhookDeliveryRequest carries the fields of a new audit record.
type CreateWebhookDeliveryRequest struct {
	WebhookID string
	JobID     string
	Event     string
	Attempt   int
	Status    DeliveryStatus
	Response  *string
	Error     *string
}

// WebhookPayload is the JSON body POSTed to a callback URL.
type WebhookPayload struct {
	Event string         `json:"event"`
	Job   WebhookJobBody `json:"job"`
}

// WebhookJobBody is the job snapshot included in a webhook payload.
type WebhookJobBody struct {
	ID         string          `json:"id"`
	Status     JobStatus       `json:"status"`
	Type       SourceKind      `json:"type"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	ResultURL  *string         `json:"resultUrl"`
	Error      *string         `json:"error"`
	Metadata   json.RawMessage `json:"metadata"`
	WebhookURL string          `json:"webhookUrl"`
}
