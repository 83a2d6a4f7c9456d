package data

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/domain/job"
	"github.com/target/sopline/internal/domain/model"
	apperrors "github.com/target/sopline/internal/errors"
	"github.com/target/sopline/internal/testutil"
)

func TestBuildJobListQuery(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		q, args := buildJobListQuery(nil)
		assert.NotContains(t, q, "WHERE")
		assert.Contains(t, q, "ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2")
		assert.Equal(t, []any{defaultJobListLimit, 0}, args)
	})

	t.Run("filters and clamping", func(t *testing.T) {
		status := model.JobStatusFailed
		kind := model.SourceKindRemote
		user := "8a1f3c1e-56a2-4c7b-9d7b-2a8c0f3b9e11"
		before := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		q, args := buildJobListQuery(&model.JobListOptions{
			Status:        &status,
			SourceKind:    &kind,
			UserID:        &user,
			CreatedBefore: &before,
			Limit:         5000,
			Offset:        -3,
		})
		assert.Contains(t, q, "WHERE status = $1 AND source_kind = $2 AND user_id = $3 AND created_at < $4")
		assert.Contains(t, q, "LIMIT $5 OFFSET $6")
		assert.Equal(t, []any{status, kind, user, before, maxJobListLimit, 0}, args)
	})
}

func TestTruncateDeliveryResponse(t *testing.T) {
	assert.Nil(t, truncate(nil))

	short := "ok"
	assert.Equal(t, &short, truncate(&short))

	long := string(make([]byte, maxDeliveryResponseBytes+10))
	assert.Len(t, *truncate(&long), maxDeliveryResponseBytes)
}

func newTestRepos(db *sql.DB) (*JobRepo, *TaskRepo, *WebhookRepo) {
	tasks := NewTaskRepo(db, TaskRepoConfig{})
	webhooks := NewWebhookRepo(db, nil)
	jobs := NewJobRepo(db, JobRepoConfig{Tasks: tasks, Webhooks: webhooks})
	return jobs, tasks, webhooks
}

func TestJobRepo_CreateEnqueuesTask(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		jobs, tasks, webhooks := newTestRepos(db)

		req := testutil.NewJobRequest().WithCallback("https://hooks.example.com/sop").Build()
		created, err := jobs.Create(ctx, core.CreateJobParams{
			Request: req,
			Webhook: &model.CreateWebhookRequest{URL: *req.CallbackURL, Secret: "s3cret"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, created.Status)
		assert.JSONEq(t, `{}`, string(created.Metadata))
		assert.Nil(t, created.Error)
		require.NotNil(t, created.WebhookID)

		wh, err := webhooks.GetByID(ctx, *created.WebhookID)
		require.NoError(t, err)
		assert.Equal(t, "s3cret", wh.Secret)
		assert.Equal(t, []string{model.EventJobStatusChanged}, wh.Events)

		task, err := tasks.ReserveNext(ctx, model.TaskTypeProcessVideo, 30)
		require.NoError(t, err)
		require.NotNil(t, task.JobID)
		assert.Equal(t, created.ID, *task.JobID)
		assert.JSONEq(t, `{"jobId":"`+created.ID+`","sourceLocator":"`+req.SourceLocator+`","sourceKind":"FILE"}`, string(task.Payload))
	})
}

func TestJobRepo_OwnerCheckConstraint(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		// Bypass request validation to prove the database enforces the owner rule too.
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO jobs(source_locator, source_kind) VALUES ('x.mp4', 'FILE')
		`)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(storeErr("insert", err)))
	})
}

func TestJobRepo_Transition(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		jobs, _, _ := newTestRepos(db)

		created, err := jobs.Create(ctx, core.CreateJobParams{Request: testutil.NewJobRequest().Build()})
		require.NoError(t, err)

		_, err = jobs.Transition(ctx, model.TransitionRequest{JobID: created.ID, Status: model.JobStatusCompleted})
		var terr *job.TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, model.JobStatusPending, terr.From)

		processing, err := jobs.Transition(ctx, model.TransitionRequest{JobID: created.ID, Status: model.JobStatusProcessing})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, processing.Status)

		failed, err := jobs.Transition(ctx, model.TransitionRequest{
			JobID: created.ID, Status: model.JobStatusFailed, Error: "Video is private",
		})
		require.NoError(t, err)
		require.NotNil(t, failed.Error)
		assert.Equal(t, "Video is private", *failed.Error)

		_, err = jobs.Transition(ctx, model.TransitionRequest{JobID: "00000000-0000-0000-0000-000000000000", Status: model.JobStatusFailed})
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestJobRepo_TerminalStatusNotOverwritten(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		jobs, _, _ := newTestRepos(db)

		created, err := jobs.Create(ctx, core.CreateJobParams{Request: testutil.NewJobRequest().Build()})
		require.NoError(t, err)
		_, err = jobs.Transition(ctx, model.TransitionRequest{JobID: created.ID, Status: model.JobStatusProcessing})
		require.NoError(t, err)
		_, err = jobs.Transition(ctx, model.TransitionRequest{JobID: created.ID, Status: model.JobStatusCompleted})
		require.NoError(t, err)

		for _, to := range []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing, model.JobStatusFailed} {
			_, err := jobs.Transition(ctx, model.TransitionRequest{JobID: created.ID, Status: to})
			require.Error(t, err, "to %s", to)
		}

		got, err := jobs.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
	})
}

func TestJobRepo_MergeMetadataConcurrent(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		jobs, _, _ := newTestRepos(db)

		created, err := jobs.Create(ctx, core.CreateJobParams{Request: testutil.NewJobRequest().Build()})
		require.NoError(t, err)

		patches := []model.Metadata{
			{model.MetaTitle: "Changing a tire"},
			{model.MetaDuration: 93.5},
			{model.MetaFormat: "mov,mp4"},
			{model.MetaResolution: "1920x1080"},
		}
		var wg sync.WaitGroup
		for _, p := range patches {
			wg.Add(1)
			go func(p model.Metadata) {
				defer wg.Done()
				assert.NoError(t, jobs.MergeMetadata(ctx, created.ID, p))
			}(p)
		}
		wg.Wait()

		// Idempotent re-application.
		require.NoError(t, jobs.MergeMetadata(ctx, created.ID, patches[0]))

		got, err := jobs.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"title":"Changing a tire","duration":93.5,"format":"mov,mp4","resolution":"1920x1080"}`, string(got.Metadata))

		err = jobs.MergeMetadata(ctx, "00000000-0000-0000-0000-000000000000", patches[0])
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_RetryAndDelete(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		jobs, tasks, _ := newTestRepos(db)

		created, err := jobs.Create(ctx, core.CreateJobParams{Request: testutil.NewJobRequest().Build()})
		require.NoError(t, err)

		_, err = jobs.Retry(ctx, created.ID)
		var terr *job.TransitionError
		require.ErrorAs(t, err, &terr)

		_, err = jobs.Transition(ctx, model.TransitionRequest{JobID: created.ID, Status: model.JobStatusFailed, Error: "boom"})
		require.NoError(t, err)

		retried, err := jobs.Retry(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, retried.Status)
		assert.Nil(t, retried.Error)

		stats, err := tasks.Stats(ctx, model.TaskTypeProcessVideo)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Pending)

		_, err = jobs.Transition(ctx, model.TransitionRequest{JobID: created.ID, Status: model.JobStatusProcessing})
		require.NoError(t, err)
		assert.ErrorIs(t, jobs.Delete(ctx, created.ID), ErrJobProcessing)

		_, err = jobs.Transition(ctx, model.TransitionRequest{JobID: created.ID, Status: model.JobStatusCompleted})
		require.NoError(t, err)
		require.NoError(t, jobs.Delete(ctx, created.ID))
		assert.ErrorIs(t, jobs.Delete(ctx, created.ID), ErrJobNotFound)

		stats, err = tasks.Stats(ctx, model.TaskTypeProcessVideo)
		require.NoError(t, err)
		assert.Zero(t, stats.Pending)
	})
}

func TestJobRepo_List(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		jobs, _, _ := newTestRepos(db)

		session := "sess-list"
		for range 3 {
			_, err := jobs.Create(ctx, core.CreateJobParams{Request: testutil.NewJobRequest().WithSession(session).Build()})
			require.NoError(t, err)
		}
		_, err := jobs.Create(ctx, core.CreateJobParams{Request: testutil.NewJobRequest().Build()})
		require.NoError(t, err)

		got, err := jobs.List(ctx, &model.JobListOptions{SessionID: &session, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.False(t, got[0].CreatedAt.Before(got[1].CreatedAt))

		all, err := jobs.List(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestWebhookDeliveryRepo(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		jobs, _, _ := newTestRepos(db)
		deliveries := NewWebhookDeliveryRepo(db)

		req := testutil.NewJobRequest().WithCallback("https://hooks.example.com").Build()
		created, err := jobs.Create(ctx, core.CreateJobParams{
			Request: req,
			Webhook: &model.CreateWebhookRequest{URL: *req.CallbackURL, Secret: "k"},
		})
		require.NoError(t, err)

		for attempt := range 2 {
			msg := "503 Service Unavailable"
			_, err := deliveries.Create(ctx, &model.CreateWebhookDeliveryRequest{
				WebhookID: *created.WebhookID,
				JobID:     created.ID,
				Event:     model.EventJobStatusChanged,
				Attempt:   attempt,
				Status:    model.DeliveryStatusFailed,
				Error:     &msg,
			})
			require.NoError(t, err)
		}

		got, err := deliveries.ListByJob(ctx, created.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 0, got[0].Attempt)
		assert.Equal(t, 1, got[1].Attempt)
		assert.Equal(t, model.DeliveryStatusFailed, got[1].Status)
	})
}
