package provider

import (
	"context"
	"errors"
	"fmt"

	"changes-agent/src/model"
	"changes-agent/src/remote"
	"changes-agent/src/store"
)

// ProjectRemote returns the provider's mapping for project. A project that
// was never mapped cannot be synced, so a missing mapping is unrecoverable.
func ProjectRemote(ctx context.Context, q store.Querier, m *remote.Map, provider string, project *model.Project) (*model.RemoteEntity, error) {
	e, err := m.FindByInternal(ctx, q, model.KindProject, project.ID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Unrecoverablef("project %s has no %s mapping", project.Slug, provider)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// JobRemote returns the provider's mapping for job.
func JobRemote(ctx context.Context, q store.Querier, m *remote.Map, provider string, job *model.Job) (*model.RemoteEntity, error) {
	e, err := m.FindByInternal(ctx, q, model.KindJob, job.ID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Unrecoverablef("job %s has no %s mapping", job.ID, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up job %s: %w", job.ID, err)
	}
	return e, nil
}
