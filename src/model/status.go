// Package model defines the canonical entities the sync engine reconciles
// remote CI state into.
package model

import "strings"

// Status is the lifecycle position of a build, job, phase or step.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

// Label returns the display label for the status.
func (s Status) Label() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusInProgress:
		return "In progress"
	case StatusFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Result is the outcome of a build, job, phase, step or test.
type Result string

const (
	ResultUnknown  Result = "unknown"
	ResultPassed   Result = "passed"
	ResultFailed   Result = "failed"
	ResultSkipped  Result = "skipped"
	ResultErrored  Result = "errored"
	ResultAborted  Result = "aborted"
	ResultTimedOut Result = "timedout"
)

// severity is the explicit worst-case ordering used for every rollup.
// Declaration order of the constants above is not significant.
var severity = map[Result]int{
	ResultPassed:   0,
	ResultSkipped:  1,
	ResultUnknown:  2,
	ResultErrored:  3,
	ResultAborted:  4,
	ResultTimedOut: 5,
	ResultFailed:   6,
}

// Severity returns the rank of r in the worst-case ordering.
// Unrecognised values rank with unknown.
func (r Result) Severity() int {
	if v, ok := severity[r]; ok {
		return v
	}
	return severity[ResultUnknown]
}

// Label returns the display label for the result.
func (r Result) Label() string {
	switch r {
	case ResultPassed:
		return "Passed"
	case ResultFailed:
		return "Failed"
	case ResultSkipped:
		return "Skipped"
	case ResultErrored:
		return "Errored"
	case ResultAborted:
		return "Aborted"
	case ResultTimedOut:
		return "Timed out"
	default:
		return "Unknown"
	}
}

// WorstResult returns whichever of a and b is more severe.
func WorstResult(a, b Result) Result {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ParseResult maps a stored or user-supplied value onto a Result.
func ParseResult(s string) Result {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passed", "pass", "success":
		return ResultPassed
	case "failed", "fail", "failure":
		return ResultFailed
	case "skipped", "skip":
		return ResultSkipped
	case "errored", "error":
		return ResultErrored
	case "aborted":
		return ResultAborted
	case "timedout", "timed out":
		return ResultTimedOut
	default:
		return ResultUnknown
	}
}

// IsFailure reports whether r counts against a test or build: errored or
// anything more severe.
func (r Result) IsFailure() bool {
	return r.Severity() >= ResultErrored.Severity()
}
