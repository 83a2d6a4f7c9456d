package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/target/sopline/internal/artifact"
	"github.com/target/sopline/internal/core"
	domainjob "github.com/target/sopline/internal/domain/job"
	"github.com/target/sopline/internal/domain/model"
	apperrors "github.com/target/sopline/internal/errors"
	"github.com/target/sopline/internal/fetcher"
	"github.com/target/sopline/internal/generation"
)

// webhookSecretBytes is the entropy of a generated callback signing secret.
const webhookSecretBytes = 32

// ArtifactDeleter removes stored artifacts by key.
type ArtifactDeleter interface {
	Delete(ctx context.Context, key string) error
}

// StatusNotifier is told about committed status changes of jobs that registered a callback.
type StatusNotifier interface {
	Notify(ctx context.Context, job *model.Job) error
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo      core.JobRepository // Required: job repository
	Artifacts ArtifactDeleter    // Optional: removes stored artifacts when a job is deleted
	Notifier  StatusNotifier     // Optional: webhook dispatcher
	BaseURL   string             // Optional: public base URL used to build result links
	Logger    *slog.Logger       // Optional: structured logger
}

// JobService owns the job state machine: creation, guarded transitions, metadata merges,
// retries, and deletion.
type JobService struct {
	repo      core.JobRepository
	artifacts ArtifactDeleter
	notifier  StatusNotifier
	baseURL   string
	logger    *slog.Logger

	notifications sync.WaitGroup
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		repo:      opts.Repo,
		artifacts: opts.Artifacts,
		notifier:  opts.Notifier,
		baseURL:   strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		logger:    logger.With("component", "job_service"),
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// CreatedJob is the result of Create. WebhookSecret is only populated here; it is never
// returned again.
type CreatedJob struct {
	Job           *model.Job `json:"job"`
	WebhookSecret string     `json:"webhookSecret,omitempty"`
}

// Create validates req, persists a PENDING job with empty metadata, and enqueues its
// processing task. Nothing is persisted when validation fails.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*CreatedJob, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	req.SourceLocator = strings.TrimSpace(req.SourceLocator)
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if err := validateLocator(req.SourceKind, req.SourceLocator); err != nil {
		return nil, err
	}
	if _, err := generation.TemplateAt(req.Template); err != nil {
		return nil, err
	}

	params := core.CreateJobParams{Request: req}
	var secret string
	if req.CallbackURL != nil && strings.TrimSpace(*req.CallbackURL) != "" {
		callback := strings.TrimSpace(*req.CallbackURL)
		if err := validateCallbackURL(callback); err != nil {
			return nil, err
		}
		req.CallbackURL = &callback
		var err error
		if secret, err = generateSecret(); err != nil {
			return nil, fmt.Errorf("generate webhook secret: %w", err)
		}
		params.Webhook = &model.CreateWebhookRequest{
			URL:    callback,
			Secret: secret,
			Events: []string{model.EventJobStatusChanged},
		}
	} else {
		req.CallbackURL = nil
	}

	job, err := s.repo.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.InfoContext(ctx, "job created",
		"job_id", job.ID,
		"source_kind", job.SourceKind,
		"has_callback", params.Webhook != nil,
	)
	return &CreatedJob{Job: job, WebhookSecret: secret}, nil
}

func validateLocator(kind model.SourceKind, locator string) error {
	switch kind {
	case model.SourceKindRemote:
		return fetcher.ValidateLocator(locator)
	case model.SourceKindFile:
		if !artifact.IsUploadKey(locator) || artifact.ValidateKey(locator) != nil {
			return apperrors.ValidationField("sourceLocator", "Unknown upload")
		}
		return nil
	default:
		return apperrors.ValidationField("sourceKind", "invalid source kind")
	}
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.ValidationField("callbackUrl", "callback URL must be an absolute http(s) URL")
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, webhookSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Get returns a job by its ID.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// List returns jobs matching opts, newest first.
func (s *JobService) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Transition moves a job to status. errMsg is recorded only for FAILED. An illegal edge is a
// validation error. When the job has a callback, the dispatcher is notified after the change
// is committed, without blocking the caller.
func (s *JobService) Transition(
	ctx context.Context,
	id string,
	status model.JobStatus,
	errMsg string,
) (*model.Job, error) {
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	if !status.Valid() {
		return nil, apperrors.ValidationField("status", "invalid job status")
	}

	job, err := s.repo.Transition(ctx, model.TransitionRequest{JobID: id, Status: status, Error: errMsg})
	if err != nil {
		var terr *domainjob.TransitionError
		if errors.As(err, &terr) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, terr.Error())
		}
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "job status changed", "job_id", id, "status", job.Status)
	s.notify(ctx, job)
	return job, nil
}

func (s *JobService) notify(ctx context.Context, job *model.Job) {
	if s.notifier == nil || job.WebhookID == nil {
		return
	}
	snapshot := *job
	detached := context.WithoutCancel(ctx)
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		if err := s.notifier.Notify(detached, &snapshot); err != nil {
			s.logger.ErrorContext(detached, "failed to enqueue webhook notification",
				"job_id", snapshot.ID, "status", snapshot.Status, "error", err)
		}
	}()
}

// WaitForNotifications blocks until every pending asynchronous notification has been handed
// to the dispatcher.
func (s *JobService) WaitForNotifications() {
	s.notifications.Wait()
}

// DrainNotifications is WaitForNotifications bounded by ctx. It returns ctx's error when
// notifications are still in flight at the deadline.
func (s *JobService) DrainNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.notifications.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MergeMetadata shallow-merges patch into the job's metadata. Keys absent from patch are kept.
func (s *JobService) MergeMetadata(ctx context.Context, id string, patch model.Metadata) error {
	if id == "" {
		return apperrors.ValidationField("id", "job id is required")
	}
	if len(patch) == 0 {
		return nil
	}
	if err := s.repo.MergeMetadata(ctx, id, patch); err != nil {
		return fmt.Errorf("merge metadata for job %s: %w", id, err)
	}
	return nil
}

// Retry moves a FAILED job back to PENDING and enqueues it again.
func (s *JobService) Retry(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	job, err := s.repo.Retry(ctx, id)
	if err != nil {
		var terr *domainjob.TransitionError
		if errors.As(err, &terr) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConflict, "only failed jobs can be retried")
		}
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "job requeued", "job_id", id)
	s.notify(ctx, job)
	return job, nil
}

// Delete removes a job's stored artifacts and owned upload, then the record itself.
// Jobs that are being processed are refused. Artifacts that are already gone or still in use
// do not block deletion.
func (s *JobService) Delete(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusProcessing {
		return apperrors.Conflict("job is processing and cannot be deleted")
	}

	if err := s.deleteArtifacts(ctx, job); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "job deleted", "job_id", id)
	return nil
}

func (s *JobService) deleteArtifacts(ctx context.Context, job *model.Job) error {
	if s.artifacts == nil {
		return nil
	}
	meta, err := model.ParseMetadata(job.Metadata)
	if err != nil {
		s.logger.WarnContext(ctx, "job metadata unreadable, deleting record only", "job_id", job.ID, "error", err)
		meta = model.Metadata{}
	}
	keys := meta.ArtifactKeys()
	if job.SourceKind == model.SourceKindFile && artifact.IsUploadKey(job.SourceLocator) {
		keys = append(keys, job.SourceLocator)
	}

	for _, key := range keys {
		err := s.artifacts.Delete(ctx, key)
		switch {
		case err == nil:
		case artifact.IsInUse(err):
			s.logger.WarnContext(ctx, "artifact in use, leaving it for the retention sweep",
				"job_id", job.ID, "key", key)
		case apperrors.IsValidation(err):
			s.logger.WarnContext(ctx, "skipping invalid artifact key", "job_id", job.ID, "key", key)
		default:
			return fmt.Errorf("delete artifacts of job %s: %w", job.ID, err)
		}
	}
	return nil
}

// ResultURL returns the download link of a completed job, or nil.
func (s *JobService) ResultURL(job *model.Job) *string {
	if job == nil || job.Status != model.JobStatusCompleted {
		return nil
	}
	link := s.baseURL + "/api/jobs/" + job.ID + "/download"
	return &link
}
