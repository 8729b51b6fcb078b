package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"changes-agent/src/model"
	"changes-agent/src/store"
)

type fixture struct {
	t    *testing.T
	s    *store.MemoryStore
	srv  *Server
	base time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.SaveProject(ctx, &model.Project{ID: "proj-1", Slug: "server", Name: "Server"}); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	return &fixture{
		t:    t,
		s:    s,
		srv:  NewServer(s, 0, nil),
		base: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// run records a finished build with one job created n minutes after base.
func (f *fixture) run(n int, result model.Result) *model.Job {
	f.t.Helper()
	ctx := context.Background()
	id := "job-" + string(rune('a'+n))
	created := f.base.Add(time.Duration(n) * time.Minute)
	b := &model.Build{
		ID: "build-" + id, ProjectID: "proj-1", Label: "build " + id,
		Status: model.StatusFinished, Result: result, DateCreated: created,
	}
	j := &model.Job{
		ID: id, BuildID: b.ID, ProjectID: "proj-1", Provider: "buildkite", Label: "unit",
		Status: model.StatusFinished, Result: result, DateCreated: created,
		Data: model.Data{"url": "https://buildkite.com/acme/server/builds/" + id},
	}
	if err := f.s.SaveBuild(ctx, b); err != nil {
		f.t.Fatalf("SaveBuild: %v", err)
	}
	if err := f.s.SaveJob(ctx, j); err != nil {
		f.t.Fatalf("SaveJob: %v", err)
	}
	return j
}

func (f *fixture) fail(job *model.Job, pkg string, failed bool, msg string) {
	f.t.Helper()
	ctx := context.Background()
	result := model.ResultPassed
	if failed {
		result = model.ResultFailed
	}
	g := &model.TestGroup{
		ID: job.ID + "-" + pkg, JobID: job.ID, SuiteID: "suite", ProjectID: job.ProjectID,
		NameSha: model.NameSha(pkg), Name: pkg, NumTests: 1, Result: result,
	}
	if failed {
		g.NumFailed = 1
	}
	if err := f.s.SaveTestGroup(ctx, g); err != nil {
		f.t.Fatalf("SaveTestGroup: %v", err)
	}
	tc := &model.TestCase{
		ID: g.ID + "-case", JobID: job.ID, SuiteID: "suite", GroupID: g.ID, ProjectID: job.ProjectID,
		NameSha: model.NameSha(pkg + ".test_it"), Package: pkg, Name: "test_it", Result: result, Message: msg,
	}
	if err := f.s.InsertTestCase(ctx, tc); err != nil {
		f.t.Fatalf("InsertTestCase: %v", err)
	}
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("content length = %d, want 1", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestHandleListBuilds(t *testing.T) {
	f := newFixture(t)
	f.run(0, model.ResultPassed)
	f.run(1, model.ResultFailed)
	f.run(2, model.ResultPassed)

	text, isErr := call(t, f.srv.handleListBuilds, map[string]any{"project": "server", "limit": float64(2)})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	var builds []BuildSummary
	if err := json.Unmarshal([]byte(text), &builds); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("builds = %d, want 2", len(builds))
	}
	if builds[0].ID != "build-job-c" || builds[1].Result != "failed" {
		t.Errorf("builds = %+v", builds)
	}

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing project", map[string]any{}, "project parameter is required"},
		{"unknown project", map[string]any{"project": "nope"}, "project not found: nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := call(t, f.srv.handleListBuilds, tt.args)
			if !isErr || text != tt.want {
				t.Errorf("got (%q, %v), want error %q", text, isErr, tt.want)
			}
		})
	}
}

func TestHandleGetBuild(t *testing.T) {
	f := newFixture(t)
	job := f.run(0, model.ResultFailed)
	if err := f.s.SaveJobPhase(context.Background(), &model.JobPhase{
		ID: "phase-1", JobID: job.ID, ProjectID: "proj-1", Label: "test",
		Status: model.StatusFinished, Result: model.ResultFailed,
	}); err != nil {
		t.Fatalf("SaveJobPhase: %v", err)
	}

	text, isErr := call(t, f.srv.handleGetBuild, map[string]any{"build_id": job.BuildID})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	var detail BuildDetail
	if err := json.Unmarshal([]byte(text), &detail); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if detail.Project != "server" || detail.Result != "failed" {
		t.Errorf("detail = %+v", detail.BuildSummary)
	}
	if len(detail.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(detail.Jobs))
	}
	jd := detail.Jobs[0]
	if jd.Provider != "buildkite" || !strings.HasSuffix(jd.URL, "/builds/job-a") {
		t.Errorf("job = %+v", jd)
	}
	if len(jd.Phases) != 1 || jd.Phases[0].Label != "test" {
		t.Errorf("phases = %+v", jd.Phases)
	}

	text, isErr = call(t, f.srv.handleGetBuild, map[string]any{"build_id": "missing"})
	if !isErr || text != "build not found: missing" {
		t.Errorf("got (%q, %v)", text, isErr)
	}
}

func TestHandleFailureOrigins(t *testing.T) {
	f := newFixture(t)
	a := f.run(0, model.ResultPassed)
	b := f.run(1, model.ResultFailed)
	c := f.run(2, model.ResultFailed)

	f.fail(a, "pkg.db", false, "")
	f.fail(b, "pkg.db", true, "db is down")
	f.fail(c, "pkg.db", true, "db is down")
	f.fail(c, "pkg.api", true, "2024-03-01T12:00:00Z timeout after 30s")

	text, isErr := call(t, f.srv.handleFailureOrigins, map[string]any{"job_id": c.ID})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	var report FailureReport
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(report.New) != 1 || report.New[0].Name != "pkg.api" {
		t.Fatalf("new = %+v", report.New)
	}
	if got := report.New[0].Messages; len(got) != 1 || got[0] != "test_it: timeout after 30s" {
		t.Errorf("messages = %q", got)
	}
	if len(report.Inherited) != 1 || report.Inherited[0].OriginJobID != b.ID {
		t.Errorf("inherited = %+v", report.Inherited)
	}

	// Finished jobs are served from the cache.
	if _, ok := f.srv.cache.Get(c.ID); !ok {
		t.Error("report for a finished job was not cached")
	}

	text, isErr = call(t, f.srv.handleFailureOrigins, map[string]any{"job_id": "nope"})
	if !isErr || text != "job not found: nope" {
		t.Errorf("got (%q, %v)", text, isErr)
	}
}
