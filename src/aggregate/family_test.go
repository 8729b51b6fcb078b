package aggregate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changes-agent/src/model"
	"changes-agent/src/store"
)

type recordingCache struct {
	expired []string
}

func (c *recordingCache) Expire(kind, id string) {
	c.expired = append(c.expired, kind+":"+id)
}

func ts(min int) *time.Time {
	t := time.Date(2024, 5, 2, 9, min, 0, 0, time.UTC)
	return &t
}

func seedFamily(t *testing.T, s store.Store, jobs ...*model.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveBuild(ctx, &model.Build{
		ID: "build-1", ProjectID: "proj-1", Status: model.StatusQueued, Result: model.ResultUnknown,
		DateCreated: *ts(0),
	}))
	for i, j := range jobs {
		j.BuildID = "build-1"
		j.ProjectID = "proj-1"
		j.DateCreated = ts(0).Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveJob(ctx, j))
	}
}

func finishedJob(id string, r model.Result, start, end int) *model.Job {
	return &model.Job{ID: id, Status: model.StatusFinished, Result: r, DateStarted: ts(start), DateFinished: ts(end)}
}

func TestUpdateFamilyResult_AllFinished(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFamily(t, s,
		finishedJob("j1", model.ResultPassed, 1, 5),
		finishedJob("j2", model.ResultPassed, 2, 9),
		finishedJob("j3", model.ResultFailed, 3, 7),
	)
	cache := &recordingCache{}
	a := New(s, nil, cache, nil)

	up, err := a.UpdateFamilyResult(ctx, "build-1", "j3")
	require.NoError(t, err)
	assert.True(t, up.Finished)
	assert.Equal(t, model.StatusFinished, up.Build.Status)
	assert.Equal(t, model.ResultFailed, up.Build.Result)
	require.NotNil(t, up.Build.Duration)
	assert.Equal(t, int64(8*60*1000), *up.Build.Duration)
	assert.Equal(t, *ts(1), *up.Build.DateStarted)
	assert.Equal(t, *ts(9), *up.Build.DateFinished)

	assert.ElementsMatch(t, []string{"job:j1", "job:j2", "job:j3", "build:build-1"}, cache.expired)

	// A finished family is not recomputed.
	again, err := a.UpdateFamilyResult(ctx, "build-1", "")
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestUpdateFamilyResult_FinishesOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFamily(t, s,
		finishedJob("j1", model.ResultPassed, 1, 5),
		finishedJob("j2", model.ResultFailed, 2, 9),
	)
	a := New(s, nil, &recordingCache{}, nil)

	var wg sync.WaitGroup
	var finished atomic.Int32
	for _, jobID := range []string{"j1", "j2", "j1", "j2"} {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			up, err := a.UpdateFamilyResult(ctx, "build-1", jobID)
			assert.NoError(t, err)
			if up.Finished {
				finished.Add(1)
			}
		}(jobID)
	}
	wg.Wait()
	assert.Equal(t, int32(1), finished.Load())

	build, err := s.GetBuild(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailed, build.Result)
}

func TestUpdateFamilyResult_WorstResultOrdering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFamily(t, s,
		finishedJob("j1", model.ResultAborted, 1, 5),
		finishedJob("j2", model.ResultErrored, 2, 9),
		finishedJob("j3", model.ResultSkipped, 3, 7),
	)

	up, err := New(s, nil, nil, nil).UpdateFamilyResult(ctx, "build-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultAborted, up.Build.Result)
}

func TestUpdateFamilyResult_RunningWithoutFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFamily(t, s,
		finishedJob("j1", model.ResultPassed, 1, 5),
		&model.Job{ID: "j2", Status: model.StatusInProgress, Result: model.ResultUnknown, DateStarted: ts(2)},
	)

	up, err := New(s, nil, nil, nil).UpdateFamilyResult(ctx, "build-1", "j1")
	require.NoError(t, err)
	assert.False(t, up.Finished)
	assert.Equal(t, model.StatusInProgress, up.Build.Status)
	assert.Equal(t, model.ResultUnknown, up.Build.Result)
	assert.Equal(t, *ts(1), *up.Build.DateStarted)
}

func TestUpdateFamilyResult_FailFast(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFamily(t, s,
		finishedJob("j1", model.ResultPassed, 1, 5),
		&model.Job{ID: "j2", Status: model.StatusInProgress, Result: model.ResultFailed, DateStarted: ts(2)},
	)
	a := New(s, nil, nil, nil)

	up, err := a.UpdateFamilyResult(ctx, "build-1", "j2")
	require.NoError(t, err)
	assert.True(t, up.Changed)
	assert.Equal(t, model.StatusInProgress, up.Build.Status)
	assert.Equal(t, model.ResultFailed, up.Build.Result)

	// Nothing new to write.
	up, err = a.UpdateFamilyResult(ctx, "build-1", "j2")
	require.NoError(t, err)
	assert.False(t, up.Changed)
}

func TestUpdateFamilyResult_FailureOfOtherJobIgnoredUntilNamed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFamily(t, s,
		&model.Job{ID: "j1", Status: model.StatusInProgress, Result: model.ResultFailed, DateStarted: ts(1)},
		&model.Job{ID: "j2", Status: model.StatusInProgress, Result: model.ResultUnknown, DateStarted: ts(2)},
	)

	up, err := New(s, nil, nil, nil).UpdateFamilyResult(ctx, "build-1", "j2")
	require.NoError(t, err)
	assert.Equal(t, model.ResultUnknown, up.Build.Result)
}

func TestUpdateFamilyResult_NullDuration(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFamily(t, s,
		finishedJob("j1", model.ResultPassed, 1, 5),
		&model.Job{ID: "j2", Status: model.StatusFinished, Result: model.ResultAborted, DateFinished: ts(6)},
	)

	up, err := New(s, nil, nil, nil).UpdateFamilyResult(ctx, "build-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, up.Build.Status)
	assert.Nil(t, up.Build.Duration)
}
