// Package originfinder attributes test failures to the job that introduced
// them.
package originfinder

import (
	"context"
	"fmt"

	"changes-agent/src/model"
	"changes-agent/src/store"
)

// DefaultHistoryLimit bounds how many earlier jobs are scanned per lookup.
const DefaultHistoryLimit = 100

// Finder scans a project's mainline history.
type Finder struct {
	store store.Querier
	// HistoryLimit caps the number of earlier jobs considered. Failures
	// older than that are attributed to the oldest job scanned.
	HistoryLimit int
}

func New(s store.Querier, historyLimit int) *Finder {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Finder{store: s, HistoryLimit: historyLimit}
}

// FindFailureOrigins maps each failing group of job to the first job of its
// current failure streak. A group never seen in earlier jobs originates in
// job itself.
//
// History is the finished, non-patch jobs of the project created before
// job, newest first. Each group walks back until a job where the same name
// was not failing.
func (f *Finder) FindFailureOrigins(ctx context.Context, job *model.Job, failing []*model.TestGroup) (map[string]*model.Job, error) {
	origins := make(map[string]*model.Job, len(failing))
	if len(failing) == 0 {
		return origins, nil
	}

	history, err := f.store.ListJobHistory(ctx, job.ProjectID, job.DateCreated, f.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for project %s: %w", job.ProjectID, err)
	}

	for _, g := range failing {
		origins[g.ID] = job
	}
	if len(history) == 0 {
		return origins, nil
	}

	jobIDs := make([]string, 0, len(history))
	for _, h := range history {
		if h.ID != job.ID {
			jobIDs = append(jobIDs, h.ID)
		}
	}
	shas := make([]string, 0, len(failing))
	for _, g := range failing {
		shas = append(shas, g.NameSha)
	}

	groups, err := f.store.ListTestGroupsByName(ctx, jobIDs, shas)
	if err != nil {
		return nil, fmt.Errorf("failed to load test history: %w", err)
	}

	// failingIn[nameSha][jobID]; a name can appear in several suites of the
	// same job, so any failing copy counts.
	failingIn := make(map[string]map[string]bool, len(shas))
	for _, g := range groups {
		byJob, ok := failingIn[g.NameSha]
		if !ok {
			byJob = make(map[string]bool)
			failingIn[g.NameSha] = byJob
		}
		byJob[g.JobID] = byJob[g.JobID] || g.Result.IsFailure()
	}

	for _, g := range failing {
		byJob := failingIn[g.NameSha]
		for _, h := range history {
			if h.ID == job.ID {
				continue
			}
			if !byJob[h.ID] {
				break
			}
			origins[g.ID] = h
		}
	}
	return origins, nil
}

// FailingGroups returns the leaf groups of job that failed.
func FailingGroups(ctx context.Context, q store.Querier, jobID string) ([]*model.TestGroup, error) {
	groups, err := q.ListTestGroups(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var out []*model.TestGroup
	for _, g := range groups {
		if g.IsLeaf() && g.Result.IsFailure() {
			out = append(out, g)
		}
	}
	return out, nil
}
