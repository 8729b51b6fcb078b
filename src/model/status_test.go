package model

import (
	"testing"
	"time"
)

func TestWorstResult(t *testing.T) {
	tests := []struct {
		name string
		a, b Result
		want Result
	}{
		{"passed vs failed", ResultPassed, ResultFailed, ResultFailed},
		{"failed vs passed", ResultFailed, ResultPassed, ResultFailed},
		{"skipped vs passed", ResultPassed, ResultSkipped, ResultSkipped},
		{"unknown beats skipped", ResultSkipped, ResultUnknown, ResultUnknown},
		{"aborted beats errored", ResultErrored, ResultAborted, ResultAborted},
		{"failed beats timedout", ResultTimedOut, ResultFailed, ResultFailed},
		{"timedout beats aborted", ResultAborted, ResultTimedOut, ResultTimedOut},
		{"equal", ResultPassed, ResultPassed, ResultPassed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WorstResult(tt.a, tt.b); got != tt.want {
				t.Errorf("WorstResult(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestResultSeverity_TotalOrder(t *testing.T) {
	order := []Result{
		ResultPassed, ResultSkipped, ResultUnknown, ResultErrored,
		ResultAborted, ResultTimedOut, ResultFailed,
	}
	for i := 1; i < len(order); i++ {
		if order[i-1].Severity() >= order[i].Severity() {
			t.Errorf("%s should rank below %s", order[i-1], order[i])
		}
	}

	if Result("bogus").Severity() != ResultUnknown.Severity() {
		t.Error("unrecognised result should rank as unknown")
	}
}

func TestParseResult(t *testing.T) {
	tests := map[string]Result{
		"passed":    ResultPassed,
		"SUCCESS":   ResultPassed,
		"failure":   ResultFailed,
		"error":     ResultErrored,
		"timed out": ResultTimedOut,
		"aborted":   ResultAborted,
		"":          ResultUnknown,
	}
	for in, want := range tests {
		if got := ParseResult(in); got != want {
			t.Errorf("ParseResult(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNameSha_Stable(t *testing.T) {
	a := NameSha("foo.bar.TestCase.test_foo")
	b := NameSha("foo.bar.TestCase.test_foo")
	if a != b {
		t.Fatalf("NameSha not stable: %s != %s", a, b)
	}
	if len(a) != 40 {
		t.Errorf("NameSha length = %d, want 40", len(a))
	}
	if a == NameSha("foo.bar.TestCase.test_bar") {
		t.Error("different names should not collide")
	}
}

func TestTestResult_FullName(t *testing.T) {
	r := TestResult{Package: "foo.bar", Name: "test_baz"}
	if got := r.FullName(); got != "foo.bar.test_baz" {
		t.Errorf("FullName() = %q", got)
	}
	r = TestResult{Name: "test_baz"}
	if got := r.FullName(); got != "test_baz" {
		t.Errorf("FullName() without package = %q", got)
	}
}

func TestDurationMillis(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	got := DurationMillis(&start, &end)
	if got == nil || *got != 1500 {
		t.Fatalf("DurationMillis() = %v, want 1500", got)
	}
	if DurationMillis(&start, nil) != nil {
		t.Error("missing end should yield nil")
	}
	if DurationMillis(nil, &end) != nil {
		t.Error("missing start should yield nil")
	}
}

func TestData_ScanValue(t *testing.T) {
	var d Data
	if err := d.Scan([]byte(`{"build_no":"12"}`)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if d["build_no"] != "12" {
		t.Errorf("build_no = %q", d["build_no"])
	}
	if err := d.Scan(nil); err != nil || len(d) != 0 {
		t.Errorf("Scan(nil) = %v, %v", d, err)
	}
	if err := d.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestResult_IsFailure(t *testing.T) {
	failures := map[Result]bool{
		ResultPassed:   false,
		ResultSkipped:  false,
		ResultUnknown:  false,
		ResultErrored:  true,
		ResultAborted:  true,
		ResultTimedOut: true,
		ResultFailed:   true,
	}
	for r, want := range failures {
		if got := r.IsFailure(); got != want {
			t.Errorf("%s.IsFailure() = %v, want %v", r, got, want)
		}
	}
}
