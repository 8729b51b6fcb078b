// Package store provides an in-memory store implementation.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"changes-agent/src/model"
)

// MemoryStore is an in-memory implementation of Store.
// Useful for testing and single-process runs.
//
// A function passed to InTx must only use the Querier it is given; calling
// back into the MemoryStore from inside the transaction deadlocks.
type MemoryStore struct {
	*memQuerier
	mu sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.memQuerier = &memQuerier{st: newMemState(), mu: &s.mu}
	return s
}

// InTx runs fn with the store locked. Writes go straight to the store and
// are journaled; if fn fails they are undone in reverse order.
func (s *MemoryStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	if err := fn(&memQuerier{st: s.st, undo: &undo}); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

type memState struct {
	remote     map[string]model.RemoteEntity // provider|kind|remote_id
	projects   map[string]model.Project
	repos      map[string]model.Repository
	authors    map[string]model.Author // email
	revisions  map[string]model.Revision
	changes    map[string]model.Change
	patches    map[string]model.Patch
	builds     map[string]model.Build
	jobs       map[string]model.Job
	phases     map[string]model.JobPhase
	steps      map[string]model.JobStep
	nodes      map[string]model.Node
	suites     map[string]model.TestSuite
	groups     map[string]model.TestGroup
	cases      map[string]model.TestCase
	aggregates map[string]model.AggregateTestGroup
	tasks      map[string]model.Task // name|entity_id

	// Natural keys of test rows to their ids.
	suiteIDs map[string]string // job|name_sha
	groupIDs map[string]string // job|suite|name_sha
	caseIDs  map[string]string // job|suite|name_sha
}

func newMemState() *memState {
	return &memState{
		remote:     make(map[string]model.RemoteEntity),
		projects:   make(map[string]model.Project),
		repos:      make(map[string]model.Repository),
		authors:    make(map[string]model.Author),
		revisions:  make(map[string]model.Revision),
		changes:    make(map[string]model.Change),
		patches:    make(map[string]model.Patch),
		builds:     make(map[string]model.Build),
		jobs:       make(map[string]model.Job),
		phases:     make(map[string]model.JobPhase),
		steps:      make(map[string]model.JobStep),
		nodes:      make(map[string]model.Node),
		suites:     make(map[string]model.TestSuite),
		groups:     make(map[string]model.TestGroup),
		cases:      make(map[string]model.TestCase),
		aggregates: make(map[string]model.AggregateTestGroup),
		tasks:      make(map[string]model.Task),
		suiteIDs:   make(map[string]string),
		groupIDs:   make(map[string]string),
		caseIDs:    make(map[string]string),
	}
}

// memQuerier reads and writes a memState. Inside a transaction mu is nil,
// as the store lock is already held, and undo collects the inverse of
// every write.
type memQuerier struct {
	st   *memState
	mu   *sync.RWMutex
	undo *[]func()
}

// put sets m[k] = v, journaling the previous entry when in a transaction.
func put[V any](q *memQuerier, m map[string]V, k string, v V) {
	if q.undo != nil {
		prev, existed := m[k]
		*q.undo = append(*q.undo, func() {
			if existed {
				m[k] = prev
			} else {
				delete(m, k)
			}
		})
	}
	m[k] = v
}

func (q *memQuerier) rlock() func() {
	if q.mu == nil {
		return func() {}
	}
	q.mu.RLock()
	return q.mu.RUnlock
}

func (q *memQuerier) lock() func() {
	if q.mu == nil {
		return func() {}
	}
	q.mu.Lock()
	return q.mu.Unlock
}

func key(parts ...string) string {
	return strings.Join(parts, "|")
}

func (q *memQuerier) GetRemoteEntity(ctx context.Context, provider, kind, remoteID string) (*model.RemoteEntity, error) {
	defer q.rlock()()

	e, ok := q.st.remote[key(provider, kind, remoteID)]
	if !ok {
		return nil, ErrNotFound
	}
	e.Data = e.Data.Clone()
	return &e, nil
}

func (q *memQuerier) GetRemoteEntityByInternal(ctx context.Context, provider, kind, internalID string) (*model.RemoteEntity, error) {
	defer q.rlock()()

	for _, e := range q.st.remote {
		if e.Provider == provider && e.Kind == kind && e.InternalID == internalID {
			e.Data = e.Data.Clone()
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (q *memQuerier) InsertRemoteEntity(ctx context.Context, e *model.RemoteEntity) error {
	defer q.lock()()

	k := key(e.Provider, e.Kind, e.RemoteID)
	if _, exists := q.st.remote[k]; exists {
		return ErrDuplicate
	}
	stored := *e
	stored.Data = e.Data.Clone()
	put(q, q.st.remote, k, stored)
	return nil
}

func (q *memQuerier) GetProject(ctx context.Context, id string) (*model.Project, error) {
	defer q.rlock()()

	p, ok := q.st.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (q *memQuerier) GetProjectBySlug(ctx context.Context, slug string) (*model.Project, error) {
	defer q.rlock()()

	for _, p := range q.st.projects {
		if p.Slug == slug {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (q *memQuerier) ListProjects(ctx context.Context) ([]*model.Project, error) {
	defer q.rlock()()

	out := make([]*model.Project, 0, len(q.st.projects))
	for _, p := range q.st.projects {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (q *memQuerier) SaveProject(ctx context.Context, p *model.Project) error {
	defer q.lock()()

	for id, existing := range q.st.projects {
		if existing.Slug == p.Slug && id != p.ID {
			return ErrDuplicate
		}
	}
	put(q, q.st.projects, p.ID, *p)
	return nil
}

func (q *memQuerier) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	defer q.rlock()()

	r, ok := q.st.repos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (q *memQuerier) SaveRepository(ctx context.Context, r *model.Repository) error {
	defer q.lock()()

	put(q, q.st.repos, r.ID, *r)
	return nil
}

func (q *memQuerier) GetAuthorByEmail(ctx context.Context, email string) (*model.Author, error) {
	defer q.rlock()()

	a, ok := q.st.authors[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (q *memQuerier) SaveAuthor(ctx context.Context, a *model.Author) error {
	defer q.lock()()

	put(q, q.st.authors, a.Email, *a)
	return nil
}

func (q *memQuerier) GetRevision(ctx context.Context, repositoryID, sha string) (*model.Revision, error) {
	defer q.rlock()()

	r, ok := q.st.revisions[key(repositoryID, sha)]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (q *memQuerier) SaveRevision(ctx context.Context, r *model.Revision) error {
	defer q.lock()()

	put(q, q.st.revisions, key(r.RepositoryID, r.SHA), *r)
	return nil
}

func (q *memQuerier) GetChange(ctx context.Context, id string) (*model.Change, error) {
	defer q.rlock()()

	c, ok := q.st.changes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (q *memQuerier) SaveChange(ctx context.Context, c *model.Change) error {
	defer q.lock()()

	put(q, q.st.changes, c.ID, *c)
	return nil
}

func (q *memQuerier) GetPatch(ctx context.Context, id string) (*model.Patch, error) {
	defer q.rlock()()

	p, ok := q.st.patches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (q *memQuerier) SavePatch(ctx context.Context, p *model.Patch) error {
	defer q.lock()()

	put(q, q.st.patches, p.ID, *p)
	return nil
}

func (q *memQuerier) GetBuild(ctx context.Context, id string) (*model.Build, error) {
	defer q.rlock()()

	b, ok := q.st.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (q *memQuerier) SaveBuild(ctx context.Context, b *model.Build) error {
	defer q.lock()()

	put(q, q.st.builds, b.ID, *b)
	return nil
}

func (q *memQuerier) ListBuilds(ctx context.Context, f BuildFilter) ([]*model.Build, error) {
	defer q.rlock()()

	var out []*model.Build
	for _, b := range q.st.builds {
		if f.ProjectID != "" && b.ProjectID != f.ProjectID {
			continue
		}
		b := b
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCreated.After(out[j].DateCreated) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (q *memQuerier) ListStaleBuilds(ctx context.Context, cutoff time.Time) ([]*model.Build, error) {
	defer q.rlock()()

	var out []*model.Build
	for _, b := range q.st.builds {
		if b.Status == model.StatusFinished || !b.DateModified.Before(cutoff) {
			continue
		}
		b := b
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCreated.Before(out[j].DateCreated) })
	return out, nil
}

func (q *memQuerier) GetJob(ctx context.Context, id string) (*model.Job, error) {
	defer q.rlock()()

	j, ok := q.st.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	j.Data = j.Data.Clone()
	return &j, nil
}

func (q *memQuerier) SaveJob(ctx context.Context, j *model.Job) error {
	defer q.lock()()

	stored := *j
	stored.Data = j.Data.Clone()
	put(q, q.st.jobs, j.ID, stored)
	return nil
}

func (q *memQuerier) ListJobsByBuild(ctx context.Context, buildID string) ([]*model.Job, error) {
	defer q.rlock()()

	var out []*model.Job
	for _, j := range q.st.jobs {
		if j.BuildID != buildID {
			continue
		}
		j := j
		j.Data = j.Data.Clone()
		out = append(out, &j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCreated.Before(out[j].DateCreated) })
	return out, nil
}

func (q *memQuerier) ListJobHistory(ctx context.Context, projectID string, before time.Time, limit int) ([]*model.Job, error) {
	defer q.rlock()()

	var out []*model.Job
	for _, j := range q.st.jobs {
		if j.ProjectID != projectID || j.Status != model.StatusFinished || j.PatchID != "" {
			continue
		}
		if !j.DateCreated.Before(before) {
			continue
		}
		j := j
		j.Data = j.Data.Clone()
		out = append(out, &j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCreated.After(out[j].DateCreated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQuerier) GetJobPhase(ctx context.Context, id string) (*model.JobPhase, error) {
	defer q.rlock()()

	p, ok := q.st.phases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (q *memQuerier) SaveJobPhase(ctx context.Context, p *model.JobPhase) error {
	defer q.lock()()

	put(q, q.st.phases, p.ID, *p)
	return nil
}

func (q *memQuerier) ListJobPhases(ctx context.Context, jobID string) ([]*model.JobPhase, error) {
	defer q.rlock()()

	var out []*model.JobPhase
	for _, p := range q.st.phases {
		if p.JobID == jobID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCreated.Before(out[j].DateCreated) })
	return out, nil
}

func (q *memQuerier) GetJobStep(ctx context.Context, id string) (*model.JobStep, error) {
	defer q.rlock()()

	s, ok := q.st.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (q *memQuerier) SaveJobStep(ctx context.Context, s *model.JobStep) error {
	defer q.lock()()

	put(q, q.st.steps, s.ID, *s)
	return nil
}

func (q *memQuerier) ListJobSteps(ctx context.Context, jobID string) ([]*model.JobStep, error) {
	defer q.rlock()()

	var out []*model.JobStep
	for _, s := range q.st.steps {
		if s.JobID == jobID {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCreated.Before(out[j].DateCreated) })
	return out, nil
}

func (q *memQuerier) GetNode(ctx context.Context, id string) (*model.Node, error) {
	defer q.rlock()()

	n, ok := q.st.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (q *memQuerier) SaveNode(ctx context.Context, n *model.Node) error {
	defer q.lock()()

	put(q, q.st.nodes, n.ID, *n)
	return nil
}

func (q *memQuerier) GetTestSuite(ctx context.Context, jobID, nameSha string) (*model.TestSuite, error) {
	defer q.rlock()()

	s, ok := q.st.suites[q.st.suiteIDs[key(jobID, nameSha)]]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (q *memQuerier) SaveTestSuite(ctx context.Context, s *model.TestSuite) error {
	defer q.lock()()

	put(q, q.st.suites, s.ID, *s)
	put(q, q.st.suiteIDs, key(s.JobID, s.NameSha), s.ID)
	return nil
}

func (q *memQuerier) GetTestGroup(ctx context.Context, jobID, suiteID, nameSha string) (*model.TestGroup, error) {
	defer q.rlock()()

	g, ok := q.st.groups[q.st.groupIDs[key(jobID, suiteID, nameSha)]]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (q *memQuerier) SaveTestGroup(ctx context.Context, g *model.TestGroup) error {
	defer q.lock()()

	put(q, q.st.groups, g.ID, *g)
	put(q, q.st.groupIDs, key(g.JobID, g.SuiteID, g.NameSha), g.ID)
	return nil
}

func (q *memQuerier) ListTestGroups(ctx context.Context, jobID string) ([]*model.TestGroup, error) {
	defer q.rlock()()

	var out []*model.TestGroup
	for _, g := range q.st.groups {
		if g.JobID == jobID {
			g := g
			out = append(out, &g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (q *memQuerier) ListTestGroupsByName(ctx context.Context, jobIDs, nameShas []string) ([]*model.TestGroup, error) {
	defer q.rlock()()

	jobSet := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		jobSet[id] = true
	}
	shaSet := make(map[string]bool, len(nameShas))
	for _, sha := range nameShas {
		shaSet[sha] = true
	}

	var out []*model.TestGroup
	for _, g := range q.st.groups {
		if jobSet[g.JobID] && shaSet[g.NameSha] {
			g := g
			out = append(out, &g)
		}
	}
	return out, nil
}

func (q *memQuerier) InsertTestCase(ctx context.Context, c *model.TestCase) error {
	defer q.lock()()

	k := key(c.JobID, c.SuiteID, c.NameSha)
	if _, exists := q.st.caseIDs[k]; exists {
		return ErrDuplicate
	}
	put(q, q.st.cases, c.ID, *c)
	put(q, q.st.caseIDs, k, c.ID)
	return nil
}

func (q *memQuerier) ListTestCases(ctx context.Context, jobID string) ([]*model.TestCase, error) {
	defer q.rlock()()

	var out []*model.TestCase
	for _, c := range q.st.cases {
		if c.JobID == jobID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (q *memQuerier) GetAggregateTestGroup(ctx context.Context, projectID, nameSha string) (*model.AggregateTestGroup, error) {
	defer q.rlock()()

	g, ok := q.st.aggregates[key(projectID, nameSha)]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (q *memQuerier) SaveAggregateTestGroup(ctx context.Context, g *model.AggregateTestGroup) error {
	defer q.lock()()

	put(q, q.st.aggregates, key(g.ProjectID, g.NameSha), *g)
	return nil
}

func (q *memQuerier) GetTask(ctx context.Context, name, entityID string) (*model.Task, error) {
	defer q.rlock()()

	t, ok := q.st.tasks[key(name, entityID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (q *memQuerier) SaveTask(ctx context.Context, t *model.Task) error {
	defer q.lock()()

	put(q, q.st.tasks, key(t.Name, t.EntityID), *t)
	return nil
}

func (q *memQuerier) FinishTask(ctx context.Context, t *model.Task) (bool, error) {
	defer q.lock()()

	k := key(t.Name, t.EntityID)
	if cur, ok := q.st.tasks[k]; ok && cur.Status == model.StatusFinished {
		return false, nil
	}
	put(q, q.st.tasks, k, *t)
	return true, nil
}
