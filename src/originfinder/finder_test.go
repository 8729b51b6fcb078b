package originfinder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changes-agent/src/model"
	"changes-agent/src/store"
)

type fixture struct {
	t    *testing.T
	s    *store.MemoryStore
	base time.Time
	n    int
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, s: store.NewMemoryStore(), base: time.Date(2013, 9, 19, 22, 15, 22, 0, time.UTC)}
}

func (f *fixture) job(label string, result model.Result) *model.Job {
	f.t.Helper()
	j := &model.Job{
		ID:          label,
		BuildID:     "build-" + label,
		ProjectID:   "proj-1",
		Label:       label,
		Status:      model.StatusFinished,
		Result:      result,
		DateCreated: f.base.Add(time.Duration(f.n) * time.Second),
	}
	f.n++
	require.NoError(f.t, f.s.SaveJob(context.Background(), j))
	return j
}

func (f *fixture) group(job *model.Job, name string, result model.Result) *model.TestGroup {
	f.t.Helper()
	g := &model.TestGroup{
		ID:        model.NewID(),
		JobID:     job.ID,
		SuiteID:   "suite",
		ProjectID: job.ProjectID,
		NameSha:   model.NameSha(name),
		Name:      name,
		Result:    result,
	}
	require.NoError(f.t, f.s.SaveTestGroup(context.Background(), g))
	return g
}

func TestFindFailureOrigins_Streaks(t *testing.T) {
	f := newFixture(t)
	a := f.job("a", model.ResultPassed)
	b := f.job("b", model.ResultFailed)
	c := f.job("c", model.ResultFailed)
	d := f.job("d", model.ResultFailed)

	f.group(a, "foo", model.ResultPassed)
	f.group(a, "bar", model.ResultPassed)
	f.group(b, "foo", model.ResultFailed)
	f.group(b, "bar", model.ResultPassed)
	f.group(c, "foo", model.ResultFailed)
	f.group(c, "bar", model.ResultFailed)
	fooD := f.group(d, "foo", model.ResultFailed)
	barD := f.group(d, "bar", model.ResultFailed)

	origins, err := New(f.s, 0).FindFailureOrigins(context.Background(), d, []*model.TestGroup{fooD, barD})
	require.NoError(t, err)
	require.Len(t, origins, 2)
	assert.Equal(t, b.ID, origins[fooD.ID].ID)
	assert.Equal(t, c.ID, origins[barD.ID].ID)
}

func TestFindFailureOrigins_NewTestOriginatesInTarget(t *testing.T) {
	f := newFixture(t)
	a := f.job("a", model.ResultPassed)
	f.group(a, "foo", model.ResultPassed)
	b := f.job("b", model.ResultFailed)
	baz := f.group(b, "baz", model.ResultFailed)

	origins, err := New(f.s, 0).FindFailureOrigins(context.Background(), b, []*model.TestGroup{baz})
	require.NoError(t, err)
	assert.Equal(t, b.ID, origins[baz.ID].ID)
}

func TestFindFailureOrigins_AbsentBreaksStreak(t *testing.T) {
	f := newFixture(t)
	a := f.job("a", model.ResultFailed)
	f.group(a, "foo", model.ResultFailed)
	f.job("b", model.ResultPassed) // foo did not run
	c := f.job("c", model.ResultFailed)
	fooC := f.group(c, "foo", model.ResultFailed)

	origins, err := New(f.s, 0).FindFailureOrigins(context.Background(), c, []*model.TestGroup{fooC})
	require.NoError(t, err)
	assert.Equal(t, c.ID, origins[fooC.ID].ID)
}

func TestFindFailureOrigins_IgnoresPatchJobs(t *testing.T) {
	f := newFixture(t)
	a := f.job("a", model.ResultFailed)
	f.group(a, "foo", model.ResultFailed)

	patch := &model.Job{
		ID: "p", BuildID: "build-p", ProjectID: "proj-1", PatchID: "patch-1",
		Status: model.StatusFinished, Result: model.ResultPassed,
		DateCreated: f.base.Add(30 * time.Second),
	}
	require.NoError(t, f.s.SaveJob(context.Background(), patch))
	f.group(patch, "foo", model.ResultPassed)

	b := &model.Job{
		ID: "b", BuildID: "build-b", ProjectID: "proj-1",
		Status: model.StatusFinished, Result: model.ResultFailed,
		DateCreated: f.base.Add(time.Minute),
	}
	require.NoError(t, f.s.SaveJob(context.Background(), b))
	fooB := f.group(b, "foo", model.ResultFailed)

	origins, err := New(f.s, 0).FindFailureOrigins(context.Background(), b, []*model.TestGroup{fooB})
	require.NoError(t, err)
	assert.Equal(t, a.ID, origins[fooB.ID].ID)
}

func TestFindFailureOrigins_HistoryLimit(t *testing.T) {
	f := newFixture(t)
	var last *model.Job
	var lastGroup *model.TestGroup
	var jobs []*model.Job
	for _, label := range []string{"a", "b", "c", "d"} {
		last = f.job(label, model.ResultFailed)
		lastGroup = f.group(last, "foo", model.ResultFailed)
		jobs = append(jobs, last)
	}

	origins, err := New(f.s, 2).FindFailureOrigins(context.Background(), last, []*model.TestGroup{lastGroup})
	require.NoError(t, err)
	assert.Equal(t, jobs[1].ID, origins[lastGroup.ID].ID)
}

func TestFailingGroups(t *testing.T) {
	f := newFixture(t)
	j := f.job("a", model.ResultFailed)
	f.group(j, "foo", model.ResultFailed)
	f.group(j, "bar", model.ResultPassed)

	parent := f.group(j, "pkg", model.ResultFailed)
	parent.NumLeaves = 1
	require.NoError(t, f.s.SaveTestGroup(context.Background(), parent))

	groups, err := FailingGroups(context.Background(), f.s, j.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "foo", groups[0].Name)
}
