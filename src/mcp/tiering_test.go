package mcp

import (
	"fmt"
	"strings"
	"testing"

	"changes-agent/src/model"
)

func failingGroup(id, name string, failed int) *model.TestGroup {
	return &model.TestGroup{ID: id, Name: name, NumFailed: failed, Result: model.ResultFailed}
}

func TestTierFailures(t *testing.T) {
	job := &model.Job{ID: "job-3", Label: "py3 unit", Result: model.ResultFailed}
	earlier := &model.Job{ID: "job-1", Label: "py3 unit"}

	failing := []*model.TestGroup{
		failingGroup("g-auth", "tests.auth", 1),
		failingGroup("g-api", "tests.api", 4),
		failingGroup("g-db", "tests.db", 2),
	}
	origins := map[string]*model.Job{
		"g-auth": job,
		"g-api":  job,
		"g-db":   earlier,
	}
	cases := map[string][]*model.TestCase{
		"g-api": {
			{Name: "test_ok", Result: model.ResultPassed, Message: "should be ignored"},
			{Name: "test_login", Result: model.ResultFailed, Message: "AssertionError: 401 != 200\n  at /srv/app/tests/api/test_login.py:12"},
			{Name: "test_silent", Result: model.ResultFailed},
		},
	}

	report := TierFailures(job, failing, origins, cases, 0)

	if report.JobID != "job-3" || report.Result != "failed" {
		t.Errorf("report header = %s/%s", report.JobID, report.Result)
	}
	if len(report.New) != 2 {
		t.Fatalf("new failures = %d, want 2", len(report.New))
	}
	// Most failures first.
	if report.New[0].Name != "tests.api" || report.New[1].Name != "tests.auth" {
		t.Errorf("new order = %s, %s", report.New[0].Name, report.New[1].Name)
	}
	if got := report.New[0].Messages; len(got) != 1 || !strings.HasPrefix(got[0], "test_login: AssertionError: 401 != 200") {
		t.Errorf("messages = %q", got)
	}
	if !strings.Contains(report.New[0].Messages[0], ".../test_login.py:12") {
		t.Errorf("message path not compressed: %q", report.New[0].Messages[0])
	}

	if len(report.Inherited) != 1 {
		t.Fatalf("inherited failures = %d, want 1", len(report.Inherited))
	}
	if report.Inherited[0].OriginJobID != "job-1" {
		t.Errorf("inherited origin = %s, want job-1", report.Inherited[0].OriginJobID)
	}
	if report.Omitted != 0 {
		t.Errorf("omitted = %d, want 0", report.Omitted)
	}
}

func TestTierFailures_Limits(t *testing.T) {
	job := &model.Job{ID: "job-1"}
	other := &model.Job{ID: "job-0"}

	var failing []*model.TestGroup
	origins := make(map[string]*model.Job)
	for i := 0; i < 5; i++ {
		g := failingGroup(fmt.Sprintf("new-%d", i), fmt.Sprintf("pkg.new%d", i), 1)
		failing = append(failing, g)
	}
	for i := 0; i < DefaultInheritedLimit+2; i++ {
		g := failingGroup(fmt.Sprintf("old-%d", i), fmt.Sprintf("pkg.old%02d", i), 1)
		failing = append(failing, g)
		origins[g.ID] = other
	}

	report := TierFailures(job, failing, origins, nil, 3)

	if len(report.New) != 3 {
		t.Errorf("new failures = %d, want 3", len(report.New))
	}
	if len(report.Inherited) != DefaultInheritedLimit {
		t.Errorf("inherited failures = %d, want %d", len(report.Inherited), DefaultInheritedLimit)
	}
	if report.Omitted != 4 {
		t.Errorf("omitted = %d, want 4", report.Omitted)
	}
}

func TestTierFailures_MissingOriginIsNew(t *testing.T) {
	job := &model.Job{ID: "job-1"}
	report := TierFailures(job, []*model.TestGroup{failingGroup("g", "pkg", 1)}, nil, nil, 0)

	if len(report.New) != 1 || report.New[0].OriginJobID != "job-1" {
		t.Errorf("new = %+v", report.New)
	}
	if report.Inherited == nil {
		t.Error("inherited should be an empty list, not nil")
	}
}

func TestConvertToFailure_RepeatedMessages(t *testing.T) {
	var cases []*model.TestCase
	for i := 0; i < 5; i++ {
		cases = append(cases, &model.TestCase{
			Name:    fmt.Sprintf("test_%d", i),
			Result:  model.ResultFailed,
			Message: fmt.Sprintf("line 1\nline 2 took %d ms\nline 3\nline 4\nline 5", i*10),
		})
	}

	f := convertToFailure(failingGroup("g", "pkg", len(cases)), &model.Job{ID: "job-1"}, cases, InheritedMessageLines)

	if len(f.Messages) != 1 || f.Repeated != 4 {
		t.Fatalf("messages = %d, repeated = %d, want 1 and 4", len(f.Messages), f.Repeated)
	}
	want := "test_0: line 1\nline 2 took 0 ms\nline 3\n... 2 more lines"
	if f.Messages[0] != want {
		t.Errorf("message = %q, want %q", f.Messages[0], want)
	}
}

func TestConvertToFailure_MessageCap(t *testing.T) {
	var cases []*model.TestCase
	for i := 0; i < maxMessagesPerFailure+2; i++ {
		cases = append(cases, &model.TestCase{
			Name:    fmt.Sprintf("test_%d", i),
			Result:  model.ResultFailed,
			Message: fmt.Sprintf("Error%c: boom", 'A'+i),
		})
	}
	cases = append(cases, &model.TestCase{Name: "test_x", Result: model.ResultFailed, Message: "ErrorA: boom"})

	f := convertToFailure(failingGroup("g", "pkg", len(cases)), &model.Job{ID: "job-1"}, cases, InheritedMessageLines)

	if len(f.Messages) != maxMessagesPerFailure {
		t.Fatalf("messages = %d, want %d", len(f.Messages), maxMessagesPerFailure)
	}
	if f.Messages[0] != "test_0: ErrorA: boom" || f.Repeated != 1 {
		t.Errorf("failure = %+v", f)
	}
}
