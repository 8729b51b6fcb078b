package tasks

import (
	"context"
	"errors"
	"fmt"

	"changes-agent/src/contracts"
	"changes-agent/src/model"
	"changes-agent/src/store"
)

// BuildRequest asks for a new build of a project.
type BuildRequest struct {
	Project *model.Project
	// Provider defaults to the project's provider.
	Provider    string
	RevisionSHA string
	PatchID     string
	Label       string
	// ParentID names a build this one retries. Revision, patch and label
	// are taken from it when not given.
	ParentID string
}

// RequestBuild records a queued build with one job and schedules
// create_job for it.
func (h *Handlers) RequestBuild(ctx context.Context, req BuildRequest) (*model.Build, *model.Job, error) {
	if req.Project == nil {
		return nil, nil, errors.New("project is required")
	}
	providerName := req.Provider
	if providerName == "" {
		providerName = req.Project.Provider
	}
	if _, err := h.providers.Lookup(providerName); err != nil {
		return nil, nil, err
	}

	var build *model.Build
	var job *model.Job
	err := h.engine.Store().InTx(ctx, func(q store.Querier) error {
		if req.ParentID != "" {
			parent, err := q.GetBuild(ctx, req.ParentID)
			if err != nil {
				return fmt.Errorf("failed to load parent build %s: %w", req.ParentID, err)
			}
			if parent.ProjectID != req.Project.ID {
				return fmt.Errorf("parent build %s belongs to another project", parent.ID)
			}
			if req.RevisionSHA == "" {
				req.RevisionSHA = parent.RevisionSHA
			}
			if req.PatchID == "" {
				req.PatchID = parent.PatchID
			}
			if req.Label == "" {
				req.Label = parent.Label
			}
		}
		if req.RevisionSHA == "" {
			return errors.New("revision is required")
		}
		if req.Label == "" {
			req.Label = fmt.Sprintf("%s build of %.12s", req.Project.Slug, req.RevisionSHA)
		}

		now := h.now()
		build = &model.Build{
			ID:           model.NewID(),
			ProjectID:    req.Project.ID,
			RevisionSHA:  req.RevisionSHA,
			PatchID:      req.PatchID,
			ParentID:     req.ParentID,
			Label:        req.Label,
			Status:       model.StatusQueued,
			Result:       model.ResultUnknown,
			DateCreated:  now,
			DateModified: now,
		}
		if err := q.SaveBuild(ctx, build); err != nil {
			return err
		}
		job = &model.Job{
			ID:           model.NewID(),
			BuildID:      build.ID,
			ProjectID:    req.Project.ID,
			Provider:     providerName,
			Label:        req.Label,
			Status:       model.StatusQueued,
			Result:       model.ResultUnknown,
			RevisionSHA:  req.RevisionSHA,
			PatchID:      req.PatchID,
			Data:         model.Data{},
			DateCreated:  now,
			DateModified: now,
		}
		return q.SaveJob(ctx, job)
	})
	if err != nil {
		return nil, nil, err
	}

	h.engine.Publisher().PublishBuild(ctx, build)
	h.engine.Publisher().PublishJob(ctx, job)
	if err := h.queue.Enqueue(ctx, contracts.TaskMessage{
		Name:     TaskCreateJob,
		EntityID: job.ID,
		ParentID: build.ID,
	}, 0); err != nil {
		return build, job, err
	}
	h.log.Info("[RequestBuild] build %s queued on %s", build.ID, providerName)
	return build, job, nil
}
