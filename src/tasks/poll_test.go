package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changes-agent/src/contracts"
	"changes-agent/src/model"
	"changes-agent/src/provider"
)

func TestPollProject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.seed(t, "build-1", "job-1", "job-2")

	running, err := h.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	running = h.setState(t, running, model.StatusInProgress, model.ResultUnknown)
	done, err := h.store.GetJob(ctx, "job-2")
	require.NoError(t, err)
	done = h.setState(t, done, model.StatusFinished, model.ResultPassed)

	h.fake.list = func(ctx context.Context, project *model.Project) ([]*model.Job, error) {
		assert.Equal(t, h.project.ID, project.ID)
		return []*model.Job{running, done}, nil
	}

	stats, err := h.handlers.PollProject(ctx, h.project)
	require.NoError(t, err)
	assert.Equal(t, PollStats{Jobs: 2, Scheduled: 1, Finished: 1}, stats)

	published := h.published(t)
	var syncs []string
	for _, task := range published {
		if task.Name == TaskSyncJob {
			syncs = append(syncs, task.EntityID)
		}
	}
	assert.Equal(t, []string{"job-1"}, syncs)
	assert.Equal(t, contracts.SignalJobFinished, firstSignal(published))

	// A second pass finds job-1 pending and job-2 already announced.
	stats, err = h.handlers.PollProject(ctx, h.project)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scheduled)
	for _, task := range h.published(t) {
		assert.NotEqual(t, TaskNotifyListeners, task.Name)
		assert.NotEqual(t, TaskSyncJob, task.Name)
	}
}

func TestPollProject_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"unmapped project is skipped", provider.Unrecoverablef("project server has no fake mapping"), false},
		{"transient failure is reported", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.fake.list = func(ctx context.Context, project *model.Project) ([]*model.Job, error) {
				return nil, tt.err
			}
			stats, err := h.handlers.PollProject(context.Background(), h.project)
			assert.Equal(t, PollStats{}, stats)
			if tt.wantErr {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func firstSignal(tasks []contracts.TaskMessage) string {
	for _, task := range tasks {
		if task.Name == TaskNotifyListeners {
			return task.Args[argSignal]
		}
	}
	return ""
}
