// Package contracts defines the message types exchanged over the broker.
package contracts

import (
	"time"

	"changes-agent/src/model"
)

// Topic names.
const (
	// TopicBuilds carries BuildUpdate messages.
	// Key: {build_id}
	TopicBuilds = "changes.builds"

	// TopicJobs carries JobUpdate messages.
	// Key: {job_id}
	TopicJobs = "changes.jobs"

	// TopicPhases carries PhaseUpdate messages.
	// Key: {job_id}
	TopicPhases = "changes.phases"

	// TopicTests carries TestUpdate messages.
	// Key: {job_id}
	TopicTests = "changes.tests"

	// TopicSignals carries Signal messages for listener integrations.
	// Key: {entity_id}
	TopicSignals = "changes.signals"

	// TopicTasks carries TaskMessage envelopes for the worker pool.
	// Key: {entity_id}
	TopicTasks = "changes.tasks"
)

// Signal names.
const (
	SignalJobFinished   = "job.finished"
	SignalBuildFinished = "build.finished"
)

// BuildUpdate is the committed state of a build (a build family).
type BuildUpdate struct {
	Build     *model.Build `json:"build"`
	Published time.Time    `json:"published"`
}

// JobUpdate is the committed state of a job.
type JobUpdate struct {
	Job       *model.Job `json:"job"`
	Published time.Time  `json:"published"`
}

// PhaseUpdate is the committed state of a job phase.
type PhaseUpdate struct {
	Phase     *model.JobPhase `json:"phase"`
	Published time.Time       `json:"published"`
}

// TestUpdate is a newly ingested test case.
type TestUpdate struct {
	Test      *model.TestCase `json:"test"`
	Published time.Time       `json:"published"`
}

// Signal tells listeners that an entity reached a terminal state.
type Signal struct {
	Name      string       `json:"name"`
	EntityID  string       `json:"entity_id"`
	ProjectID string       `json:"project_id"`
	Result    model.Result `json:"result"`
	Published time.Time    `json:"published"`
}

// TaskMessage is one scheduled task invocation.
type TaskMessage struct {
	// Unique per delivery; parking stores key on it.
	ID string `json:"id"`
	// Handler name, e.g. "sync_job".
	Name     string            `json:"name"`
	EntityID string            `json:"entity_id"`
	ParentID string            `json:"parent_id,omitempty"`
	Args     map[string]string `json:"args,omitempty"`
	// Attempt is 0 for the first run and counts retries after that.
	Attempt int       `json:"attempt"`
	RunAt   time.Time `json:"run_at"`
}
