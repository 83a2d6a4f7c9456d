package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/sopline/config"
	"github.com/target/sopline/internal/artifact"
	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/domain/model"
	apperrors "github.com/target/sopline/internal/errors"
)

var reaperNow = time.Date(2026, 3, 20, 2, 0, 0, 0, time.UTC)

type sweepCall struct {
	prefix string
	before time.Time
}

type stubSweeper struct {
	calls  []sweepCall
	result map[string]artifact.SweepResult
}

func (s *stubSweeper) Sweep(_ context.Context, prefix string, before time.Time) (artifact.SweepResult, error) {
	s.calls = append(s.calls, sweepCall{prefix: prefix, before: before})
	return s.result[prefix], nil
}

// stubTaskReaper returns the queued counts in order, then zero.
type stubTaskReaper struct {
	counts map[model.TaskStatus][]int64
	params []core.DeleteFinishedTasksParams
	err    error
}

func (s *stubTaskReaper) DeleteFinishedBefore(_ context.Context, params core.DeleteFinishedTasksParams) (int64, error) {
	s.params = append(s.params, params)
	if s.err != nil {
		return 0, s.err
	}
	queue := s.counts[params.Status]
	if len(queue) == 0 {
		return 0, nil
	}
	s.counts[params.Status] = queue[1:]
	return queue[0], nil
}

type recordingSink struct {
	mu     sync.Mutex
	counts map[string][]map[string]string
	gauges []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counts: map[string][]map[string]string{}}
}

func (r *recordingSink) Count(name string, _ int64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] = append(r.counts[name], tags)
}

func (r *recordingSink) Gauge(name string, _ float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, name)
}

func (r *recordingSink) Timing(string, time.Duration, map[string]string) {}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Schedule:    config.DefaultReaperSchedule,
		CleanupDays: 7,
		TaskMaxAge:  48 * time.Hour,
		BatchSize:   1,
	}
}

type reaperFixture struct {
	svc       *ReaperService
	repo      *memJobRepo
	artifacts *memArtifacts
	sweeper   *stubSweeper
	tasks     *stubTaskReaper
	sink      *recordingSink
}

func newReaperFixture(t *testing.T) *reaperFixture {
	t.Helper()
	jobs, repo, _, artifacts := newTestJobService(t)
	f := &reaperFixture{
		repo:      repo,
		artifacts: artifacts,
		sweeper:   &stubSweeper{result: map[string]artifact.SweepResult{}},
		tasks:     &stubTaskReaper{counts: map[model.TaskStatus][]int64{}},
		sink:      newRecordingSink(),
	}
	svc, err := NewReaperService(ReaperServiceOptions{
		Jobs:      jobs,
		Artifacts: f.sweeper,
		Tasks:     f.tasks,
		Config:    testReaperConfig(),
		Now:       func() time.Time { return reaperNow },
		Metrics:   f.sink,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *reaperFixture) putJob(id string, status model.JobStatus, createdAt time.Time, meta model.Metadata) {
	f.repo.put(&model.Job{
		ID:            id,
		SourceLocator: "https://www.youtube.com/watch?v=" + id,
		SourceKind:    model.SourceKindRemote,
		Status:        status,
		Metadata:      mustJSON(meta),
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	})
}

func (f *reaperFixture) hasJob(id string) bool {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	_, ok := f.repo.jobs[id]
	return ok
}

func TestNewReaperService(t *testing.T) {
	t.Run("requires jobs", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{Config: testReaperConfig()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "RetentionJobs is required")
	})

	t.Run("rejects an invalid schedule", func(t *testing.T) {
		jobs, _, _, _ := newTestJobService(t)
		cfg := testReaperConfig()
		cfg.Schedule = "at two"
		_, err := NewReaperService(ReaperServiceOptions{Jobs: jobs, Config: cfg})
		require.Error(t, err)
	})
}

func TestReaperService_DeletesExpiredJobsArtifactsFirst(t *testing.T) {
	f := newReaperFixture(t)
	day := 24 * time.Hour
	f.putJob("old-completed", model.JobStatusCompleted, reaperNow.Add(-19*day), model.Metadata{
		model.MetaPDFPath:     "exports/old-completed.pdf",
		model.MetaScreenshots: []string{"screenshots/old-completed/001.jpg"},
	})
	f.putJob("old-processing", model.JobStatusProcessing, reaperNow.Add(-18*day), nil)
	f.putJob("old-failed", model.JobStatusFailed, reaperNow.Add(-17*day), nil)
	f.putJob("recent", model.JobStatusCompleted, reaperNow.Add(-1*day), model.Metadata{
		model.MetaPDFPath: "exports/recent.pdf",
	})

	require.NoError(t, f.svc.RunOnce(context.Background()))

	assert.False(t, f.hasJob("old-completed"))
	assert.False(t, f.hasJob("old-failed"))
	assert.True(t, f.hasJob("old-processing"), "a running job is never reaped")
	assert.True(t, f.hasJob("recent"))
	assert.ElementsMatch(t, []string{
		"exports/old-completed.pdf",
		"screenshots/old-completed/001.jpg",
	}, f.artifacts.deleted)
}

func TestReaperService_KeepsRecordWhenArtifactDeleteFails(t *testing.T) {
	f := newReaperFixture(t)
	f.putJob("stuck", model.JobStatusFailed, reaperNow.Add(-30*24*time.Hour), model.Metadata{
		model.MetaPDFPath: "exports/stuck.pdf",
	})
	f.artifacts.deleteErr["exports/stuck.pdf"] = errors.New("input/output error")
	f.tasks.counts[model.TaskStatusCompleted] = []int64{3}

	err := f.svc.RunOnce(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete expired jobs")
	assert.True(t, f.hasJob("stuck"))
	// Later steps still ran.
	assert.Len(t, f.sweeper.calls, 3)
	assert.NotEmpty(t, f.tasks.params)
}

func TestReaperService_SweepsEveryPrefixWithRetentionCutoff(t *testing.T) {
	f := newReaperFixture(t)
	f.sweeper.result[artifact.PrefixUploads] = artifact.SweepResult{Deleted: 2, InUse: 1}

	require.NoError(t, f.svc.RunOnce(context.Background()))

	cutoff := reaperNow.Add(-7 * 24 * time.Hour)
	assert.Equal(t, []sweepCall{
		{prefix: artifact.PrefixUploads, before: cutoff},
		{prefix: artifact.PrefixScreenshots, before: cutoff},
		{prefix: artifact.PrefixExports, before: cutoff},
	}, f.sweeper.calls)
}

func TestReaperService_SweepFailuresAreReported(t *testing.T) {
	f := newReaperFixture(t)
	f.sweeper.result[artifact.PrefixExports] = artifact.SweepResult{Deleted: 1, Failed: 2}

	err := f.svc.RunOnce(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.IsPersistence(err))

	ops := f.sink.counts["reaper.cleanup_operation"]
	require.Len(t, ops, 4)
	assert.Equal(t, "sweep_artifacts", ops[1]["operation"])
	assert.Equal(t, "error", ops[1]["result"])
	assert.Equal(t, "persistence", ops[1]["error_class"])
}

func TestReaperService_PrunesFinishedTasksInBatches(t *testing.T) {
	f := newReaperFixture(t)
	f.tasks.counts[model.TaskStatusCompleted] = []int64{1, 1}
	f.tasks.counts[model.TaskStatusFailed] = []int64{1}

	require.NoError(t, f.svc.RunOnce(context.Background()))

	// Each status is drained until a batch comes back empty.
	require.Len(t, f.tasks.params, 5)
	before := reaperNow.Add(-48 * time.Hour)
	for _, p := range f.tasks.params {
		assert.Equal(t, before, p.Before)
		assert.Equal(t, 1, p.BatchSize)
	}
	assert.Equal(t, model.TaskStatusCompleted, f.tasks.params[0].Status)
	assert.Equal(t, model.TaskStatusFailed, f.tasks.params[4].Status)

	cleanup := f.sink.counts["reaper.cleanup"]
	require.Len(t, cleanup, 1)
	assert.Equal(t, "success", cleanup[0]["result"])
	assert.Contains(t, f.sink.gauges, "reaper.last_success_epoch")
}

func TestReaperService_NothingToDoIsNoop(t *testing.T) {
	f := newReaperFixture(t)

	require.NoError(t, f.svc.RunOnce(context.Background()))

	cleanup := f.sink.counts["reaper.cleanup"]
	require.Len(t, cleanup, 1)
	assert.Equal(t, "noop", cleanup[0]["result"])
}

func TestReaperService_CanceledContext(t *testing.T) {
	f := newReaperFixture(t)
	f.putJob("old", model.JobStatusCompleted, reaperNow.Add(-10*24*time.Hour), nil)
	f.tasks.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.svc.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReaperService_RunStopsOnCancel(t *testing.T) {
	f := newReaperFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop after cancellation")
	}
}
