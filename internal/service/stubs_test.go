package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/sopline/internal/core"
	domainjob "github.com/target/sopline/internal/domain/job"
	"github.com/target/sopline/internal/domain/model"
	apperrors "github.com/target/sopline/internal/errors"
)

// memJobRepo is an in-memory core.JobRepository that enforces the same guarded transitions
// as the Postgres repository.
type memJobRepo struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	webhooks map[string]*model.Webhook
	tasks    []*model.CreateTaskRequest
	now      time.Time

	mergeErr  error
	mergeHook func(patch model.Metadata)
}

var _ core.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{
		jobs:     map[string]*model.Job{},
		webhooks: map[string]*model.Webhook{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (r *memJobRepo) tick() time.Time {
	r.now = r.now.Add(time.Second)
	return r.now
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.Metadata = append(json.RawMessage(nil), j.Metadata...)
	return &c
}

func (r *memJobRepo) enqueue(j *model.Job) {
	payload, _ := json.Marshal(model.ProcessVideoPayload{
		JobID: j.ID, SourceLocator: j.SourceLocator, SourceKind: j.SourceKind,
	})
	id := j.ID
	r.tasks = append(r.tasks, &model.CreateTaskRequest{
		Type: model.TaskTypeProcessVideo, Payload: payload, JobID: &id,
	})
}

func (r *memJobRepo) Create(_ context.Context, params core.CreateJobParams) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req := params.Request
	now := r.tick()
	j := &model.Job{
		ID:            uuid.NewString(),
		SourceLocator: req.SourceLocator,
		SourceKind:    req.SourceKind,
		Status:        model.JobStatusPending,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		CallbackURL:   req.CallbackURL,
		Template:      req.Template,
		Metadata:      json.RawMessage(`{}`),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if params.Webhook != nil {
		wh := &model.Webhook{
			ID:       uuid.NewString(),
			URL:      params.Webhook.URL,
			Secret:   params.Webhook.Secret,
			Events:   params.Webhook.Events,
			IsActive: true,
		}
		r.webhooks[wh.ID] = wh
		j.WebhookID = &wh.ID
	}
	r.jobs[j.ID] = j
	r.enqueue(j)
	return cloneJob(j), nil
}

func (r *memJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job not found")
	}
	return cloneJob(j), nil
}

func (r *memJobRepo) List(_ context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Job
	for _, j := range r.jobs {
		if opts.Status != nil && j.Status != *opts.Status {
			continue
		}
		if opts.CreatedBefore != nil && !j.CreatedAt.Before(*opts.CreatedBefore) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *memJobRepo) Transition(_ context.Context, req model.TransitionRequest) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[req.JobID]
	if !ok {
		return nil, apperrors.NotFound("job not found")
	}
	if err := domainjob.CheckTransition(j.Status, req.Status); err != nil {
		return nil, err
	}
	j.Status = req.Status
	j.Error = nil
	if req.Status == model.JobStatusFailed {
		msg := req.Error
		j.Error = &msg
	}
	j.UpdatedAt = r.tick()
	return cloneJob(j), nil
}

func (r *memJobRepo) Retry(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job not found")
	}
	if j.Status != model.JobStatusFailed {
		return nil, &domainjob.TransitionError{From: j.Status, To: model.JobStatusPending}
	}
	j.Status = model.JobStatusPending
	j.Error = nil
	j.UpdatedAt = r.tick()
	r.enqueue(j)
	return cloneJob(j), nil
}

func (r *memJobRepo) MergeMetadata(_ context.Context, id string, patch model.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mergeErr != nil {
		return r.mergeErr
	}
	j, ok := r.jobs[id]
	if !ok {
		return apperrors.NotFound("job not found")
	}
	if r.mergeHook != nil {
		r.mergeHook(patch)
	}
	current, err := model.ParseMetadata(j.Metadata)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(current.Merge(patch))
	if err != nil {
		return err
	}
	j.Metadata = raw
	j.UpdatedAt = r.tick()
	return nil
}

func (r *memJobRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return apperrors.NotFound("job not found")
	}
	if j.Status == model.JobStatusProcessing {
		return apperrors.Conflict("job is processing and cannot be deleted")
	}
	if j.WebhookID != nil {
		delete(r.webhooks, *j.WebhookID)
	}
	delete(r.jobs, id)
	return nil
}

func (r *memJobRepo) metadata(id string) model.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, err := model.ParseMetadata(r.jobs[id].Metadata)
	if err != nil {
		panic(err)
	}
	return meta
}

func (r *memJobRepo) put(j *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.Metadata == nil {
		j.Metadata = json.RawMessage(`{}`)
	}
	r.jobs[j.ID] = cloneJob(j)
}

// memArtifacts records artifact operations on an in-memory map of plaintext files.
type memArtifacts struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	deleteErr map[string]error
	openDir   string
}

func newMemArtifacts(openDir string) *memArtifacts {
	return &memArtifacts{objects: map[string][]byte{}, deleteErr: map[string]error{}, openDir: openDir}
}

func (a *memArtifacts) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.deleteErr[key]; err != nil {
		return err
	}
	a.deleted = append(a.deleted, key)
	delete(a.objects, key)
	return nil
}

func (a *memArtifacts) has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[key]
	return ok
}

func (a *memArtifacts) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.objects))
	for k := range a.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// recordingNotifier captures notified job snapshots.
type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*model.Job
	err  error
	// release, when set, holds every Notify call until it is closed.
	release chan struct{}
}

func (n *recordingNotifier) Notify(_ context.Context, job *model.Job) error {
	if n.release != nil {
		<-n.release
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return n.err
}

func (n *recordingNotifier) statuses() []model.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.JobStatus, len(n.jobs))
	for i, j := range n.jobs {
		out[i] = j.Status
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal: %v", err))
	}
	return raw
}
