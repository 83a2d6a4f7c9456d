package data

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/domain/model"
	"github.com/target/sopline/internal/testutil"
)

func TestAdvisoryLockRequeueMinor(t *testing.T) {
	a := advisoryLockRequeueMinor(model.TaskTypeProcessVideo)
	b := advisoryLockRequeueMinor(model.TaskTypeDeliverWebhook)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, a, int64(0))
	assert.Equal(t, a, advisoryLockRequeueMinor(model.TaskTypeProcessVideo))
}

func TestTaskRepo_CreateValidates(t *testing.T) {
	repo := NewTaskRepo(nil, TaskRepoConfig{})

	_, err := repo.Create(context.Background(), nil)
	require.Error(t, err)

	_, err = repo.Create(context.Background(), &model.CreateTaskRequest{Type: "bogus", Payload: []byte(`{}`)})
	require.EqualError(t, err, "invalid task type")
}

func TestTaskRepo_ReserveCompleteLifecycle(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTaskRepo(db, TaskRepoConfig{})

		created, err := repo.Create(ctx, testutil.NewTaskRequest().Build())
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, created.Status)
		assert.Equal(t, model.DefaultTaskMaxRetries, created.MaxRetries)

		reserved, err := repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 30)
		require.NoError(t, err)
		assert.Equal(t, created.ID, reserved.ID)
		assert.Equal(t, model.TaskStatusRunning, reserved.Status)
		require.NotNil(t, reserved.LeaseExpiresAt)

		_, err = repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 30)
		require.ErrorIs(t, err, model.ErrNoTasksAvailable)

		ok, err := repo.Heartbeat(ctx, reserved.ID, 60)
		require.NoError(t, err)
		assert.True(t, ok)

		require.ErrorIs(t, repo.Delete(ctx, reserved.ID), ErrTaskNotDeletable)

		ok, err = repo.Complete(ctx, reserved.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Heartbeat(ctx, reserved.ID, 60)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.GetByID(ctx, reserved.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)

		require.NoError(t, repo.Delete(ctx, reserved.ID))
		_, err = repo.GetByID(ctx, reserved.ID)
		require.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestTaskRepo_FailBacksOffExponentially(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := NewManualClock(time.Now().UTC().Truncate(time.Second))
		repo := NewTaskRepo(db, TaskRepoConfig{Clock: clock, RetryBaseDelay: time.Second})

		created, err := repo.Create(ctx, testutil.NewTaskRequest().Build())
		require.NoError(t, err)

		for attempt := range model.DefaultTaskMaxRetries {
			reserved, err := repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 30)
			require.NoError(t, err, "attempt %d", attempt)
			require.Equal(t, created.ID, reserved.ID)

			failAt := clock.Now()
			ok, err := repo.Fail(ctx, reserved.ID, "database unreachable")
			require.NoError(t, err)
			require.True(t, ok)

			got, err := repo.GetByID(ctx, reserved.ID)
			require.NoError(t, err)
			assert.Equal(t, attempt+1, got.RetryCount)
			if attempt+1 < model.DefaultTaskMaxRetries {
				assert.Equal(t, model.TaskStatusPending, got.Status)
				want := failAt.Add(time.Second << attempt)
				assert.WithinDuration(t, want, got.ScheduledAt, time.Millisecond)

				// Not due yet.
				_, err = repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 30)
				require.ErrorIs(t, err, model.ErrNoTasksAvailable)
				clock.Advance(time.Second << attempt)
			} else {
				assert.Equal(t, model.TaskStatusFailed, got.Status)
				require.NotNil(t, got.LastError)
				assert.Equal(t, "database unreachable", *got.LastError)
			}
		}

		ok, err := repo.Fail(ctx, created.ID, "again")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestTaskRepo_ExpiredLeaseIsRequeued(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := NewManualClock(time.Now().UTC())
		repo := NewTaskRepo(db, TaskRepoConfig{Clock: clock})

		created, err := repo.Create(ctx, testutil.NewTaskRequest().Build())
		require.NoError(t, err)
		_, err = repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 5)
		require.NoError(t, err)

		clock.Advance(10 * time.Second)
		again, err := repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 5)
		require.NoError(t, err)
		assert.Equal(t, created.ID, again.ID)
	})
}

func TestTaskRepo_ConcurrentReserveNeverDoubleClaims(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTaskRepo(db, TaskRepoConfig{})

		const total = 10
		for range total {
			_, err := repo.Create(ctx, testutil.NewTaskRequest().Build())
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 30)
					if errors.Is(err, model.ErrNoTasksAvailable) {
						return
					}
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
		}
	})
}

func TestTaskRepo_TypesAreIsolated(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTaskRepo(db, TaskRepoConfig{})

		_, err := repo.Create(ctx, testutil.NewTaskRequest().WithType(model.TaskTypeDeliverWebhook).Build())
		require.NoError(t, err)

		_, err = repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 30)
		require.ErrorIs(t, err, model.ErrNoTasksAvailable)

		task, err := repo.ReserveNext(ctx, model.TaskTypeDeliverWebhook, 30)
		require.NoError(t, err)
		assert.Equal(t, model.TaskTypeDeliverWebhook, task.Type)
	})
}

func TestTaskRepo_DeleteFinishedBefore(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := NewManualClock(time.Now().UTC())
		repo := NewTaskRepo(db, TaskRepoConfig{Clock: clock})

		for range 3 {
			_, err := repo.Create(ctx, testutil.NewTaskRequest().Build())
			require.NoError(t, err)
			task, err := repo.ReserveNext(ctx, model.TaskTypeProcessVideo, 30)
			require.NoError(t, err)
			_, err = repo.Complete(ctx, task.ID)
			require.NoError(t, err)
		}

		n, err := repo.DeleteFinishedBefore(ctx, core.DeleteFinishedTasksParams{
			Status:    model.TaskStatusCompleted,
			Before:    clock.Now().Add(time.Minute),
			BatchSize: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = repo.DeleteFinishedBefore(ctx, core.DeleteFinishedTasksParams{Status: "nope", BatchSize: 1})
		require.Error(t, err)
	})
}
