package tui

import (
	"sort"
	"strings"

	"changes-agent/src/model"
)

// Item is one build family in the watch list. It implements
// bubbles/list.Item.
type Item struct {
	Build *model.Build
	Jobs  []*model.Job
}

// FilterValue is the value used for fuzzy filtering.
func (i Item) FilterValue() string { return i.Build.Label }

// Title returns the primary text for the item (required by list.Item).
func (i Item) Title() string { return i.Build.Label }

// Description returns the secondary text for the item (required by list.Item).
func (i Item) Description() string { return string(i.Build.Result) }

// FailedJobs counts finished jobs with a failing result.
func (i Item) FailedJobs() int {
	n := 0
	for _, j := range i.Jobs {
		if j.IsFinished() && j.Result.IsFailure() {
			n++
		}
	}
	return n
}

// withJob returns a copy of i with job inserted or replaced.
func (i Item) withJob(job *model.Job) Item {
	jobs := make([]*model.Job, 0, len(i.Jobs)+1)
	replaced := false
	for _, j := range i.Jobs {
		if j.ID == job.ID {
			jobs = append(jobs, job)
			replaced = true
			continue
		}
		jobs = append(jobs, j)
	}
	if !replaced {
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].DateCreated.Before(jobs[b].DateCreated) })
	i.Jobs = jobs
	return i
}

// matches reports whether query occurs in the build label, revision, or
// any job label or provider.
func (i Item) matches(query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(i.Build.Label), q) || strings.HasPrefix(i.Build.RevisionSHA, q) {
		return true
	}
	for _, j := range i.Jobs {
		if strings.Contains(strings.ToLower(j.Label), q) || strings.Contains(strings.ToLower(j.Provider), q) {
			return true
		}
	}
	return false
}
