package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/target/sopline/internal/backoff"
	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/domain/model"
	apperrors "github.com/target/sopline/internal/errors"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultSendLockTTL    = 10 * time.Minute
	maxCapturedResponse   = 4096
)

// SendLockPrefix prefixes the per-attempt send guard keys.
const SendLockPrefix = "webhook:send:"

// DefaultWebhookSchedule spaces redelivery attempts after a failure.
var DefaultWebhookSchedule = backoff.Schedule{5 * time.Minute, 15 * time.Minute, 45 * time.Minute}

// TaskEnqueuer creates queue tasks.
type TaskEnqueuer interface {
	Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error)
}

// WebhookDispatcherOptions groups dependencies for WebhookDispatcher.
type WebhookDispatcherOptions struct {
	Tasks       TaskEnqueuer                   // Required: enqueues deliver_webhook tasks
	Webhooks    core.WebhookRepository         // Required: callback registrations
	Deliveries  core.WebhookDeliveryRepository // Required: delivery audit trail
	Cache       core.CacheRepository           // Optional: guards against sending one attempt twice
	ResultURL   func(*model.Job) *string       // Optional: builds the resultUrl field
	HTTPClient  *http.Client                   // Optional: defaults to a client with a 10s timeout
	Schedule    backoff.Schedule               // Optional: redelivery offsets, defaults to 5m/15m/45m
	SendLockTTL time.Duration                  // Optional: lifetime of the per-attempt send guard
	Now         func() time.Time               // Optional: clock
	Logger      *slog.Logger                   // Optional: structured logger
}

// WebhookDispatcher notifies job callbacks of status changes with signed, at-least-once deliveries.
type WebhookDispatcher struct {
	tasks       TaskEnqueuer
	webhooks    core.WebhookRepository
	deliveries  core.WebhookDeliveryRepository
	cache       core.CacheRepository
	resultURL   func(*model.Job) *string
	client      *http.Client
	schedule    backoff.Schedule
	sendLockTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewWebhookDispatcher constructs a WebhookDispatcher.
func NewWebhookDispatcher(opts WebhookDispatcherOptions) (*WebhookDispatcher, error) {
	switch {
	case opts.Tasks == nil:
		return nil, errors.New("task enqueuer is required")
	case opts.Webhooks == nil:
		return nil, errors.New("WebhookRepository is required")
	case opts.Deliveries == nil:
		return nil, errors.New("WebhookDeliveryRepository is required")
	}
	d := &WebhookDispatcher{
		tasks:       opts.Tasks,
		webhooks:    opts.Webhooks,
		deliveries:  opts.Deliveries,
		cache:       opts.Cache,
		resultURL:   opts.ResultURL,
		client:      opts.HTTPClient,
		schedule:    opts.Schedule,
		sendLockTTL: opts.SendLockTTL,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if d.schedule == nil {
		d.schedule = DefaultWebhookSchedule
	}
	if d.sendLockTTL <= 0 {
		d.sendLockTTL = defaultSendLockTTL
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "webhook_dispatcher")
	return d, nil
}

// Notify enqueues the first delivery attempt of a job.status_changed event. The body is a
// snapshot of the job at the time of the change.
func (d *WebhookDispatcher) Notify(ctx context.Context, job *model.Job) error {
	if job == nil || job.WebhookID == nil {
		return nil
	}
	wh, err := d.webhooks.GetByID(ctx, *job.WebhookID)
	if err != nil {
		return fmt.Errorf("load webhook for job %s: %w", job.ID, err)
	}
	if !wh.Subscribed(model.EventJobStatusChanged) {
		return nil
	}

	body, err := json.Marshal(d.payload(job, wh))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return d.enqueue(ctx, model.DeliverWebhookPayload{
		WebhookID: wh.ID,
		JobID:     job.ID,
		Event:     model.EventJobStatusChanged,
		Attempt:   0,
		Body:      body,
	}, nil)
}

func (d *WebhookDispatcher) payload(job *model.Job, wh *model.Webhook) model.WebhookPayload {
	metadata := job.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	var resultURL *string
	if d.resultURL != nil {
		resultURL = d.resultURL(job)
	}
	return model.WebhookPayload{
		Event: model.EventJobStatusChanged,
		Job: model.WebhookJobBody{
			ID:         job.ID,
			Status:     job.Status,
			Type:       job.SourceKind,
			CreatedAt:  job.CreatedAt,
			UpdatedAt:  job.UpdatedAt,
			ResultURL:  resultURL,
			Error:      job.Error,
			Metadata:   metadata,
			WebhookURL: wh.URL,
		},
	}
}

func (d *WebhookDispatcher) enqueue(ctx context.Context, p model.DeliverWebhookPayload, at *time.Time) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal delivery payload: %w", err)
	}
	jobID := p.JobID
	if _, err := d.tasks.Create(ctx, &model.CreateTaskRequest{
		Type:        model.TaskTypeDeliverWebhook,
		Payload:     raw,
		JobID:       &jobID,
		ScheduledAt: at,
	}); err != nil {
		return fmt.Errorf("enqueue webhook delivery: %w", err)
	}
	return nil
}

// Deliver performs one delivery attempt for a deliver_webhook task and records its outcome.
// A failed attempt schedules the next one until the schedule is exhausted. Only failures to
// record the outcome are returned.
func (d *WebhookDispatcher) Deliver(ctx context.Context, task *model.Task) error {
	var p model.DeliverWebhookPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.WebhookID == "" {
		d.logger.ErrorContext(ctx, "dropping malformed deliver_webhook task", "task_id", task.ID, "error", err)
		return nil
	}
	logger := d.logger.With("job_id", p.JobID, "webhook_id", p.WebhookID, "attempt", p.Attempt)

	wh, err := d.webhooks.GetByID(ctx, p.WebhookID)
	if apperrors.IsNotFound(err) {
		logger.InfoContext(ctx, "webhook no longer registered, dropping delivery")
		return nil
	}
	if err != nil {
		return err
	}
	if !wh.IsActive {
		logger.InfoContext(ctx, "webhook inactive, dropping delivery")
		return nil
	}

	lockKey := SendLockPrefix + task.ID + ":" + strconv.Itoa(p.Attempt)
	if !d.acquireSend(ctx, logger, lockKey) {
		logger.InfoContext(ctx, "delivery attempt already sent by another worker")
		return nil
	}

	outcome := d.send(ctx, wh, p)
	if _, err := d.deliveries.Create(ctx, &model.CreateWebhookDeliveryRequest{
		WebhookID: wh.ID,
		JobID:     p.JobID,
		Event:     p.Event,
		Attempt:   p.Attempt,
		Status:    outcome.status,
		Response:  outcome.response,
		Error:     outcome.err,
	}); err != nil {
		d.releaseSend(ctx, lockKey)
		return fmt.Errorf("record webhook delivery: %w", err)
	}

	if outcome.status == model.DeliveryStatusSuccess {
		logger.InfoContext(ctx, "webhook delivered", "status_code", outcome.statusCode)
		return nil
	}

	delay, ok := d.schedule.Next(p.Attempt)
	if !ok {
		logger.ErrorContext(ctx, "webhook delivery exhausted all attempts", "error", deref(outcome.err))
		return nil
	}
	next := p
	next.Attempt = p.Attempt + 1
	at := d.now().Add(delay)
	if err := d.enqueue(ctx, next, &at); err != nil {
		return err
	}
	logger.WarnContext(ctx, "webhook delivery failed, retry scheduled",
		"error", deref(outcome.err), "next_attempt_at", at)
	return nil
}

func (d *WebhookDispatcher) acquireSend(ctx context.Context, logger *slog.Logger, key string) bool {
	if d.cache == nil {
		return true
	}
	ok, err := d.cache.SetIfNotExists(ctx, key, []byte("1"), d.sendLockTTL)
	if err != nil {
		logger.WarnContext(ctx, "send guard unavailable, delivering anyway", "error", err)
		return true
	}
	return ok
}

func (d *WebhookDispatcher) releaseSend(ctx context.Context, key string) {
	if d.cache == nil {
		return
	}
	if _, err := d.cache.Delete(ctx, key); err != nil {
		d.logger.WarnContext(ctx, "failed to release send guard", "key", key, "error", err)
	}
}

type deliveryOutcome struct {
	status     model.DeliveryStatus
	statusCode int
	response   *string
	err        *string
}

func failedOutcome(format string, args ...any) deliveryOutcome {
	msg := fmt.Sprintf(format, args...)
	return deliveryOutcome{status: model.DeliveryStatusFailed, err: &msg}
}

func (d *WebhookDispatcher) send(ctx context.Context, wh *model.Webhook, p model.DeliverWebhookPayload) deliveryOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(p.Body))
	if err != nil {
		return failedOutcome("create webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(wh.Secret, p.Body))
	req.Header.Set(HeaderEvent, p.Event)

	resp, err := d.client.Do(req)
	if err != nil {
		return failedOutcome("webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedResponse))
	body := string(raw)
	out := deliveryOutcome{statusCode: resp.StatusCode, response: &body}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.status = model.DeliveryStatusSuccess
		return out
	}
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	out.status = model.DeliveryStatusFailed
	out.err = &msg
	return out
}

// Sign returns the hex-encoded HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the signature of body under secret, in
// constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
