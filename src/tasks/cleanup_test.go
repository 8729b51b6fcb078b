package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changes-agent/src/contracts"
	"changes-agent/src/model"
	"changes-agent/src/store"
)

func staleBuild(t *testing.T, h *harness, id string, created, modified time.Duration) {
	now := h.handlers.now()
	require.NoError(t, h.store.SaveBuild(context.Background(), &model.Build{
		ID:           id,
		ProjectID:    h.project.ID,
		Status:       model.StatusQueued,
		Result:       model.ResultUnknown,
		DateCreated:  now.Add(-created),
		DateModified: now.Add(-modified),
	}))
}

func TestCleanupBuilds_Expires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	staleBuild(t, h, "build-1", 7*time.Hour, 6*time.Hour)
	require.NoError(t, h.store.SaveJob(ctx, &model.Job{
		ID: "job-1", BuildID: "build-1", ProjectID: h.project.ID, Provider: "fake",
		Status: model.StatusInProgress, Result: model.ResultUnknown,
	}))

	stats, err := h.handlers.CleanupBuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupStats{Expired: 1}, stats)

	build, err := h.store.GetBuild(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, build.Status)
	assert.Equal(t, model.ResultAborted, build.Result)

	job, err := h.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.ResultAborted, job.Result)

	_, err = h.store.GetTask(ctx, TaskSyncBuild, "build-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	for _, task := range h.published(t) {
		assert.NotEqual(t, TaskSyncBuild, task.Name)
	}
}

func TestCleanupBuilds_Queues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	staleBuild(t, h, "build-1", time.Hour, 6*time.Minute)

	stats, err := h.handlers.CleanupBuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupStats{Requeued: 1}, stats)

	build, err := h.store.GetBuild(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, build.Status)
	assert.True(t, build.DateModified.Equal(h.handlers.now()))

	published := h.published(t)
	require.Len(t, published, 1)
	assert.Equal(t, contracts.TaskMessage{
		ID:       published[0].ID,
		Name:     TaskSyncBuild,
		EntityID: "build-1",
		RunAt:    published[0].RunAt,
	}, published[0])

	// Touched builds are left alone until they go stale again.
	stats, err = h.handlers.CleanupBuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupStats{}, stats)
}

func TestCleanupBuilds_IgnoresRecent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	staleBuild(t, h, "build-1", time.Hour, time.Minute)

	stats, err := h.handlers.CleanupBuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupStats{}, stats)
	assert.Empty(t, h.published(t))

	build, err := h.store.GetBuild(ctx, "build-1")
	require.NoError(t, err)
	assert.False(t, build.IsFinished())
}

func TestCleanupBuilds_SkipsPendingSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	staleBuild(t, h, "build-1", time.Hour, 10*time.Minute)
	require.NoError(t, h.queue.Enqueue(ctx, contracts.TaskMessage{Name: TaskSyncBuild, EntityID: "build-1"}, time.Minute))

	stats, err := h.handlers.CleanupBuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Requeued)
	assert.Empty(t, h.published(t))
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	h := newHarness(t, Options{})
	err := NewSweeper(h.handlers, nil).Run(context.Background(), "every now and then")
	assert.Error(t, err)
}
