// Package httpx provides the JSON API of the sopline job system.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/domain/model"
	"github.com/target/sopline/internal/service"
)

// JobsService is the subset of *service.JobService used by the API.
type JobsService interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*service.CreatedJob, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error)
	Retry(ctx context.Context, id string) (*model.Job, error)
	Delete(ctx context.Context, id string) error
	ResultURL(job *model.Job) *string
}

var _ JobsService = (*service.JobService)(nil)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc        JobsService
	Deliveries core.WebhookDeliveryRepository
	Logger     *slog.Logger
}

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 1000
	maxJSONBodyBytes    = 1 << 20
)

// jobView is a job as returned by the API, with its download link once completed.
type jobView struct {
	*model.Job
	ResultURL *string `json:"resultUrl,omitempty"`
}

func (h *JobHandlers) view(job *model.Job) jobView {
	return jobView{Job: job, ResultURL: h.Svc.ResultURL(job)}
}

// CreateJob handles HTTP requests to create a new job.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var req model.CreateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.create(w, r, &req)
}

func (h *JobHandlers) create(w http.ResponseWriter, r *http.Request, req *model.CreateJobRequest) {
	created, err := h.Svc.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.Logger, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job":           h.view(created.Job),
		"webhookSecret": created.WebhookSecret,
	})
}

// List handles HTTP requests to list jobs with optional filters and pagination.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseJobListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err)
		return
	}

	jobs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.Logger, "list", err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, h.view(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   views,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func parseJobListOptions(r *http.Request) (*model.JobListOptions, error) {
	pg := parsePage(r, defaultJobListLimit, maxJobListLimit)
	opts := &model.JobListOptions{Limit: pg.Limit, Offset: pg.Offset}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		var status model.JobStatus
		if err := status.UnmarshalText([]byte(v)); err != nil {
			return nil, err
		}
		opts.Status = &status
	}
	if v := q.Get("kind"); v != "" {
		var kind model.SourceKind
		if err := kind.UnmarshalText([]byte(v)); err != nil {
			return nil, err
		}
		opts.SourceKind = &kind
	}
	if v := q.Get("userId"); v != "" {
		opts.UserID = &v
	}
	if v := q.Get("sessionId"); v != "" {
		opts.SessionID = &v
	}
	return opts, nil
}

// pathID reads the {id} path value, writing a 400 when it is missing.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_path", errors.New("job id is required"))
		return "", false
	}
	return id, true
}

// Get handles HTTP requests to retrieve a job with its metadata snapshot.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(job))
}

// Retry handles HTTP requests to requeue a failed job.
func (h *JobHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.Svc.Retry(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, "retry", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(job))
}

// Delete handles HTTP requests to delete a job and its artifacts.
func (h *JobHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Svc.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, h.Logger, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveries handles HTTP requests to list the callback delivery audit trail of a job.
func (h *JobHandlers) WebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.Svc.Get(r.Context(), id); err != nil {
		writeServiceError(w, r, h.Logger, "get", err)
		return
	}
	pg := parsePage(r, defaultJobListLimit, maxJobListLimit)
	deliveries, err := h.Deliveries.ListByJob(r.Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		writeServiceError(w, r, h.Logger, "list_deliveries", err)
		return
	}
	if deliveries == nil {
		deliveries = []*model.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"limit":      pg.Limit,
		"offset":     pg.Offset,
	})
}
