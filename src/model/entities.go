package model

import (
	"crypto/sha1"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity kinds recorded in the remote entity map.
const (
	KindProject = "project"
	KindBuild   = "build"
	KindJob     = "job"
	KindPhase   = "jobphase"
	KindStep    = "jobstep"
	KindNode    = "node"
	KindChange  = "change"
	KindPatch   = "patch"
)

// NewID allocates an entity id up front so mappings can reference it
// before the entity row is written.
func NewID() string {
	return uuid.NewString()
}

// NameSha returns the stable identity hash of a fully-qualified test name.
func NameSha(name string) string {
	sum := sha1.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// Data is a provider-specific payload stored alongside an entity.
type Data map[string]string

// Value implements driver.Valuer.
func (d Data) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (d *Data) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = Data{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Data", src)
	}
	out := Data{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	*d = out
	return nil
}

// Clone returns a copy that can be mutated independently.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

type Repository struct {
	ID          string    `db:"id" json:"id"`
	URL         string    `db:"url" json:"url"`
	DateCreated time.Time `db:"date_created" json:"date_created"`
}

// Project groups builds that share history for origin detection and
// aggregate test trends.
type Project struct {
	ID           string    `db:"id" json:"id"`
	Slug         string    `db:"slug" json:"slug"`
	Name         string    `db:"name" json:"name"`
	RepositoryID string    `db:"repository_id" json:"repository_id"`
	Provider     string    `db:"provider" json:"provider"`
	DateCreated  time.Time `db:"date_created" json:"date_created"`
}

type Author struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Email       string    `db:"email" json:"email"`
	DateCreated time.Time `db:"date_created" json:"date_created"`
}

type Revision struct {
	RepositoryID string    `db:"repository_id" json:"repository_id"`
	SHA          string    `db:"sha" json:"sha"`
	AuthorID     string    `db:"author_id" json:"author_id"`
	Message      string    `db:"message" json:"message"`
	DateCreated  time.Time `db:"date_created" json:"date_created"`
}

// Change is a code review under discussion.
type Change struct {
	ID           string    `db:"id" json:"id"`
	ProjectID    string    `db:"project_id" json:"project_id"`
	RepositoryID string    `db:"repository_id" json:"repository_id"`
	AuthorID     string    `db:"author_id" json:"author_id"`
	Label        string    `db:"label" json:"label"`
	Message      string    `db:"message" json:"message"`
	DateCreated  time.Time `db:"date_created" json:"date_created"`
	DateModified time.Time `db:"date_modified" json:"date_modified"`
}

// Patch is one diff uploaded to a Change.
type Patch struct {
	ID                string    `db:"id" json:"id"`
	ChangeID          string    `db:"change_id" json:"change_id"`
	ProjectID         string    `db:"project_id" json:"project_id"`
	RepositoryID      string    `db:"repository_id" json:"repository_id"`
	ParentRevisionSHA string    `db:"parent_revision_sha" json:"parent_revision_sha"`
	Label             string    `db:"label" json:"label"`
	Message           string    `db:"message" json:"message"`
	URL               string    `db:"url" json:"url"`
	DateCreated       time.Time `db:"date_created" json:"date_created"`
}

// Build is the family rollup over sibling Jobs requested together.
type Build struct {
	ID           string     `db:"id" json:"id"`
	ProjectID    string     `db:"project_id" json:"project_id"`
	RevisionSHA  string     `db:"revision_sha" json:"revision_sha"`
	PatchID      string     `db:"patch_id" json:"patch_id,omitempty"`
	ParentID     string     `db:"parent_id" json:"parent_id,omitempty"`
	Label        string     `db:"label" json:"label"`
	Status       Status     `db:"status" json:"status"`
	Result       Result     `db:"result" json:"result"`
	Duration     *int64     `db:"duration" json:"duration"`
	DateCreated  time.Time  `db:"date_created" json:"date_created"`
	DateStarted  *time.Time `db:"date_started" json:"date_started"`
	DateFinished *time.Time `db:"date_finished" json:"date_finished"`
	DateModified time.Time  `db:"date_modified" json:"date_modified"`
}

// IsFinished reports whether b reached its terminal status.
func (b *Build) IsFinished() bool { return b.Status == StatusFinished }

// Job is one execution of a Build on a single provider.
type Job struct {
	ID           string     `db:"id" json:"id"`
	BuildID      string     `db:"build_id" json:"build_id"`
	ProjectID    string     `db:"project_id" json:"project_id"`
	Provider     string     `db:"provider" json:"provider"`
	Label        string     `db:"label" json:"label"`
	Status       Status     `db:"status" json:"status"`
	Result       Result     `db:"result" json:"result"`
	Duration     *int64     `db:"duration" json:"duration"`
	RevisionSHA  string     `db:"revision_sha" json:"revision_sha"`
	PatchID      string     `db:"patch_id" json:"patch_id,omitempty"`
	ParentID     string     `db:"parent_id" json:"parent_id,omitempty"`
	Data         Data       `db:"data" json:"data,omitempty"`
	DateCreated  time.Time  `db:"date_created" json:"date_created"`
	DateStarted  *time.Time `db:"date_started" json:"date_started"`
	DateFinished *time.Time `db:"date_finished" json:"date_finished"`
	DateModified time.Time  `db:"date_modified" json:"date_modified"`
}

// IsFinished reports whether j reached its terminal status.
func (j *Job) IsFinished() bool { return j.Status == StatusFinished }

type JobPhase struct {
	ID           string     `db:"id" json:"id"`
	JobID        string     `db:"job_id" json:"job_id"`
	ProjectID    string     `db:"project_id" json:"project_id"`
	Label        string     `db:"label" json:"label"`
	Status       Status     `db:"status" json:"status"`
	Result       Result     `db:"result" json:"result"`
	DateCreated  time.Time  `db:"date_created" json:"date_created"`
	DateStarted  *time.Time `db:"date_started" json:"date_started"`
	DateFinished *time.Time `db:"date_finished" json:"date_finished"`
	DateModified time.Time  `db:"date_modified" json:"date_modified"`
}

func (p *JobPhase) IsFinished() bool { return p.Status == StatusFinished }

type JobStep struct {
	ID           string     `db:"id" json:"id"`
	JobID        string     `db:"job_id" json:"job_id"`
	PhaseID      string     `db:"phase_id" json:"phase_id"`
	ProjectID    string     `db:"project_id" json:"project_id"`
	NodeID       string     `db:"node_id" json:"node_id,omitempty"`
	Label        string     `db:"label" json:"label"`
	Status       Status     `db:"status" json:"status"`
	Result       Result     `db:"result" json:"result"`
	DateCreated  time.Time  `db:"date_created" json:"date_created"`
	DateStarted  *time.Time `db:"date_started" json:"date_started"`
	DateFinished *time.Time `db:"date_finished" json:"date_finished"`
	DateModified time.Time  `db:"date_modified" json:"date_modified"`
}

func (s *JobStep) IsFinished() bool { return s.Status == StatusFinished }

// Node is a machine a step executed on.
type Node struct {
	ID          string    `db:"id" json:"id"`
	Label       string    `db:"label" json:"label"`
	DateCreated time.Time `db:"date_created" json:"date_created"`
}

type TestSuite struct {
	ID          string    `db:"id" json:"id"`
	JobID       string    `db:"job_id" json:"job_id"`
	ProjectID   string    `db:"project_id" json:"project_id"`
	NameSha     string    `db:"name_sha" json:"name_sha"`
	Name        string    `db:"name" json:"name"`
	DateCreated time.Time `db:"date_created" json:"date_created"`
}

// TestGroup is one node of the dotted-name hierarchy within a Job and suite.
// Counters are running totals folded in as test cases arrive.
type TestGroup struct {
	ID          string    `db:"id" json:"id"`
	JobID       string    `db:"job_id" json:"job_id"`
	SuiteID     string    `db:"suite_id" json:"suite_id"`
	ProjectID   string    `db:"project_id" json:"project_id"`
	ParentID    string    `db:"parent_id" json:"parent_id,omitempty"`
	NameSha     string    `db:"name_sha" json:"name_sha"`
	Name        string    `db:"name" json:"name"`
	NumTests    int       `db:"num_tests" json:"num_tests"`
	NumFailed   int       `db:"num_failed" json:"num_failed"`
	NumLeaves   int       `db:"num_leaves" json:"num_leaves"`
	Duration    int64     `db:"duration" json:"duration"`
	Result      Result    `db:"result" json:"result"`
	DateCreated time.Time `db:"date_created" json:"date_created"`
}

// IsLeaf reports whether the group has no child groups.
func (g *TestGroup) IsLeaf() bool { return g.NumLeaves == 0 }

type TestCase struct {
	ID          string    `db:"id" json:"id"`
	JobID       string    `db:"job_id" json:"job_id"`
	SuiteID     string    `db:"suite_id" json:"suite_id"`
	GroupID     string    `db:"group_id" json:"group_id"`
	ProjectID   string    `db:"project_id" json:"project_id"`
	NameSha     string    `db:"name_sha" json:"name_sha"`
	Package     string    `db:"package" json:"package"`
	Name        string    `db:"name" json:"name"`
	Result      Result    `db:"result" json:"result"`
	Duration    int64     `db:"duration" json:"duration"`
	Message     string    `db:"message" json:"message,omitempty"`
	DateCreated time.Time `db:"date_created" json:"date_created"`
}

// AggregateTestGroup tracks one test name across a project's history.
type AggregateTestGroup struct {
	ID            string    `db:"id" json:"id"`
	ProjectID     string    `db:"project_id" json:"project_id"`
	ParentID      string    `db:"parent_id" json:"parent_id,omitempty"`
	NameSha       string    `db:"name_sha" json:"name_sha"`
	Name          string    `db:"name" json:"name"`
	FirstJobID    string    `db:"first_job_id" json:"first_job_id"`
	LastJobID     string    `db:"last_job_id" json:"last_job_id"`
	NumRuns       int       `db:"num_runs" json:"num_runs"`
	NumFailed     int       `db:"num_failed" json:"num_failed"`
	TotalDuration int64     `db:"total_duration" json:"total_duration"`
	LastResult    Result    `db:"last_result" json:"last_result"`
	DateCreated   time.Time `db:"date_created" json:"date_created"`
}

// RemoteEntity maps a provider's identifier onto an internal entity id.
type RemoteEntity struct {
	ID          string    `db:"id" json:"id"`
	Provider    string    `db:"provider" json:"provider"`
	Kind        string    `db:"kind" json:"kind"`
	RemoteID    string    `db:"remote_id" json:"remote_id"`
	InternalID  string    `db:"internal_id" json:"internal_id"`
	Data        Data      `db:"data" json:"data,omitempty"`
	DateCreated time.Time `db:"date_created" json:"date_created"`
}

// Task is the ledger row for a background task keyed by (name, entity).
type Task struct {
	Name         string    `db:"name" json:"name"`
	EntityID     string    `db:"entity_id" json:"entity_id"`
	ParentID     string    `db:"parent_id" json:"parent_id,omitempty"`
	Status       Status    `db:"status" json:"status"`
	Result       Result    `db:"result" json:"result"`
	NumRetries   int       `db:"num_retries" json:"num_retries"`
	DateCreated  time.Time `db:"date_created" json:"date_created"`
	DateModified time.Time `db:"date_modified" json:"date_modified"`
}

// TestResult is a raw test outcome as reported by a provider, before it
// is folded into suites and groups.
type TestResult struct {
	Suite    string
	Package  string
	Name     string
	Result   Result
	Duration int64 // milliseconds
	Message  string
}

// FullName is the dotted name the test is identified by.
func (r TestResult) FullName() string {
	if r.Package != "" {
		return r.Package + "." + r.Name
	}
	return r.Name
}

// DurationMillis returns end-start in milliseconds, or nil when either
// bound is missing.
func DurationMillis(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := end.Sub(*start).Milliseconds()
	return &ms
}
