package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changes-agent/src/model"
	"changes-agent/src/store"
)

func TestMap_BindAndFind(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := NewMap()

	_, err := m.Find(ctx, s, model.KindJob, "remote-1", "koality")
	require.ErrorIs(t, err, store.ErrNotFound)

	bound, err := m.Bind(ctx, s, model.KindJob, "job-1", "remote-1", "koality", model.Data{"number": "4"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", bound.InternalID)

	found, err := m.Find(ctx, s, model.KindJob, "remote-1", "koality")
	require.NoError(t, err)
	assert.Equal(t, "job-1", found.InternalID)
	assert.Equal(t, "4", found.Data["number"])

	byInternal, err := m.FindByInternal(ctx, s, model.KindJob, "job-1", "koality")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", byInternal.RemoteID)
}

func TestMap_BindIsIdempotentForSamePair(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := NewMap()

	first, err := m.Bind(ctx, s, model.KindPhase, "phase-1", "job-1:test", "buildkite", nil)
	require.NoError(t, err)

	second, err := m.Bind(ctx, s, model.KindPhase, "phase-1", "job-1:test", "buildkite", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestMap_BindRejectsRepoint(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := NewMap()

	_, err := m.Bind(ctx, s, model.KindJob, "job-1", "remote-1", "jenkins", nil)
	require.NoError(t, err)

	_, err = m.Bind(ctx, s, model.KindJob, "job-1", "remote-2", "jenkins", nil)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestMap_BindCollisionReportsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := NewMap()

	_, err := m.Bind(ctx, s, model.KindJob, "job-1", "remote-1", "jenkins", nil)
	require.NoError(t, err)

	_, err = m.Bind(ctx, s, model.KindJob, "job-2", "remote-1", "jenkins", nil)
	assert.True(t, errors.Is(err, store.ErrDuplicate), "got %v", err)
}

func TestMap_BindRequiresIDs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, err := NewMap().Bind(ctx, s, model.KindJob, "", "remote-1", "jenkins", nil)
	assert.ErrorIs(t, err, ErrIntegrity)
}
