// Package store defines persistence for the canonical CI model.
package store

import (
	"context"
	"errors"
	"time"

	"changes-agent/src/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate key")
)

// BuildFilter narrows ListBuilds.
type BuildFilter struct {
	ProjectID string
	Limit     int
}

// Querier is the set of reads and writes available both on the store and
// inside a transaction. Save methods insert or update by primary key.
// Inside a transaction, getting a build, job, phase, step or task (and
// listing the jobs of a build) holds those rows until commit.
type Querier interface {
	GetRemoteEntity(ctx context.Context, provider, kind, remoteID string) (*model.RemoteEntity, error)
	GetRemoteEntityByInternal(ctx context.Context, provider, kind, internalID string) (*model.RemoteEntity, error)
	// InsertRemoteEntity returns ErrDuplicate if (provider, kind, remote_id)
	// is already mapped.
	InsertRemoteEntity(ctx context.Context, e *model.RemoteEntity) error

	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	SaveProject(ctx context.Context, p *model.Project) error

	GetRepository(ctx context.Context, id string) (*model.Repository, error)
	SaveRepository(ctx context.Context, r *model.Repository) error

	GetAuthorByEmail(ctx context.Context, email string) (*model.Author, error)
	SaveAuthor(ctx context.Context, a *model.Author) error

	GetRevision(ctx context.Context, repositoryID, sha string) (*model.Revision, error)
	SaveRevision(ctx context.Context, r *model.Revision) error

	GetChange(ctx context.Context, id string) (*model.Change, error)
	SaveChange(ctx context.Context, c *model.Change) error
	GetPatch(ctx context.Context, id string) (*model.Patch, error)
	SavePatch(ctx context.Context, p *model.Patch) error

	GetBuild(ctx context.Context, id string) (*model.Build, error)
	SaveBuild(ctx context.Context, b *model.Build) error
	ListBuilds(ctx context.Context, f BuildFilter) ([]*model.Build, error)
	// ListStaleBuilds returns unfinished builds last modified before cutoff.
	ListStaleBuilds(ctx context.Context, cutoff time.Time) ([]*model.Build, error)

	GetJob(ctx context.Context, id string) (*model.Job, error)
	SaveJob(ctx context.Context, j *model.Job) error
	ListJobsByBuild(ctx context.Context, buildID string) ([]*model.Job, error)
	// ListJobHistory returns finished, non-patch jobs of a project created
	// before the given time, newest first.
	ListJobHistory(ctx context.Context, projectID string, before time.Time, limit int) ([]*model.Job, error)

	GetJobPhase(ctx context.Context, id string) (*model.JobPhase, error)
	SaveJobPhase(ctx context.Context, p *model.JobPhase) error
	ListJobPhases(ctx context.Context, jobID string) ([]*model.JobPhase, error)

	GetJobStep(ctx context.Context, id string) (*model.JobStep, error)
	SaveJobStep(ctx context.Context, s *model.JobStep) error
	ListJobSteps(ctx context.Context, jobID string) ([]*model.JobStep, error)

	GetNode(ctx context.Context, id string) (*model.Node, error)
	SaveNode(ctx context.Context, n *model.Node) error

	GetTestSuite(ctx context.Context, jobID, nameSha string) (*model.TestSuite, error)
	SaveTestSuite(ctx context.Context, s *model.TestSuite) error

	GetTestGroup(ctx context.Context, jobID, suiteID, nameSha string) (*model.TestGroup, error)
	SaveTestGroup(ctx context.Context, g *model.TestGroup) error
	ListTestGroups(ctx context.Context, jobID string) ([]*model.TestGroup, error)
	// ListTestGroupsByName returns the groups of the given jobs whose name
	// hash is in nameShas.
	ListTestGroupsByName(ctx context.Context, jobIDs, nameShas []string) ([]*model.TestGroup, error)

	// InsertTestCase returns ErrDuplicate if the job already has a case with
	// the same suite and name hash.
	InsertTestCase(ctx context.Context, c *model.TestCase) error
	ListTestCases(ctx context.Context, jobID string) ([]*model.TestCase, error)

	GetAggregateTestGroup(ctx context.Context, projectID, nameSha string) (*model.AggregateTestGroup, error)
	SaveAggregateTestGroup(ctx context.Context, g *model.AggregateTestGroup) error

	GetTask(ctx context.Context, name, entityID string) (*model.Task, error)
	SaveTask(ctx context.Context, t *model.Task) error
	// FinishTask saves t, which must be finished, unless the stored task
	// already is. It reports whether t was written.
	FinishTask(ctx context.Context, t *model.Task) (bool, error)
}

// Store is a Querier that can also run a function inside a transaction.
// If fn returns an error nothing it wrote is kept.
type Store interface {
	Querier
	InTx(ctx context.Context, fn func(q Querier) error) error
	Close() error
}
