package tasks

import (
	"context"
	"errors"
	"fmt"

	"changes-agent/src/contracts"
	"changes-agent/src/metrics"
	"changes-agent/src/model"
	"changes-agent/src/provider"
	"changes-agent/src/remote"
)

// PollStats counts what one PollProject pass did.
type PollStats struct {
	Jobs      int
	Scheduled int
	Finished  int
}

// PollProject discovers builds started outside of changes. Every provider
// with a mapping for project lists its recent builds; unfinished jobs are
// scheduled for syncing and finished ones are announced. Providers the
// project is not mapped to are skipped.
func (h *Handlers) PollProject(ctx context.Context, project *model.Project) (PollStats, error) {
	var stats PollStats
	var errs []error
	for _, name := range h.providers.Names() {
		p, err := h.providers.Lookup(name)
		if err != nil {
			return stats, err
		}
		jobs, err := p.SyncBuildList(ctx, project)
		switch {
		case err == nil:
		case provider.IsUnrecoverable(err):
			h.log.Debug("[Poll] skipping %s for %s: %v", name, project.Slug, err)
			continue
		case errors.Is(err, remote.ErrIntegrity):
			return stats, err
		default:
			metrics.ProviderErrors.WithLabelValues(name, "transient").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		for _, job := range jobs {
			stats.Jobs++
			if job.IsFinished() {
				if err := h.finishJob(ctx, job); err != nil {
					return stats, err
				}
				stats.Finished++
				continue
			}
			queued, err := h.queue.EnqueueIfNotPending(ctx, contracts.TaskMessage{
				Name:     TaskSyncJob,
				EntityID: job.ID,
				ParentID: job.BuildID,
			}, 0)
			if err != nil {
				return stats, err
			}
			if queued {
				stats.Scheduled++
			}
		}
	}
	h.log.Info("[Poll] %s: %d jobs, %d scheduled, %d finished", project.Slug, stats.Jobs, stats.Scheduled, stats.Finished)
	return stats, errors.Join(errs...)
}
