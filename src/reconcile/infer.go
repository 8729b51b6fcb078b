// Package reconcile turns raw provider records into canonical jobs, phases
// and steps.
package reconcile

import (
	"time"

	"changes-agent/src/model"
)

// Stage is one raw unit of remote work as a provider reports it.
type Stage struct {
	RemoteID string
	Name     string
	// Type groups stages into phases.
	Type     string
	Status   string
	Started  *time.Time
	Finished *time.Time
	// Node is the provider's identifier for the machine the stage ran on.
	Node string
}

// Tokens are the provider's raw status strings for success and failure.
type Tokens struct {
	Success string
	Failure string
}

// State is a derived or provider-reported status for one entity.
type State struct {
	Status   model.Status
	Result   model.Result
	Started  *time.Time
	Finished *time.Time
}

// Infer derives status and result from a set of stages.
//
// Every stage started and ended: finished, passed only if every stage
// reported success. Any stage started: in progress, failed as soon as a
// stage reports failure. Otherwise queued. An empty set is queued.
func Infer(stages []Stage, tok Tokens) (model.Status, model.Result) {
	if len(stages) == 0 {
		return model.StatusQueued, model.ResultUnknown
	}

	allDone, anyStarted := true, false
	allPassed, anyFailed := true, false
	for _, s := range stages {
		if unset(s.Started) || unset(s.Finished) {
			allDone = false
		}
		if !unset(s.Started) {
			anyStarted = true
		}
		if s.Status != tok.Success {
			allPassed = false
		}
		if s.Status == tok.Failure {
			anyFailed = true
		}
	}

	switch {
	case allDone:
		if allPassed {
			return model.StatusFinished, model.ResultPassed
		}
		return model.StatusFinished, model.ResultFailed
	case anyStarted:
		if anyFailed {
			return model.StatusInProgress, model.ResultFailed
		}
		return model.StatusInProgress, model.ResultUnknown
	default:
		return model.StatusQueued, model.ResultUnknown
	}
}

// StartTime returns the earliest start among stages. Stages that have not
// started are ignored.
func StartTime(stages []Stage) *time.Time {
	var min *time.Time
	for _, s := range stages {
		if unset(s.Started) {
			continue
		}
		if min == nil || s.Started.Before(*min) {
			t := *s.Started
			min = &t
		}
	}
	return min
}

// EndTime returns the latest end among stages, or nil if any stage has
// not finished.
func EndTime(stages []Stage) *time.Time {
	var max *time.Time
	for _, s := range stages {
		if unset(s.Finished) {
			return nil
		}
		if max == nil || s.Finished.After(*max) {
			t := *s.Finished
			max = &t
		}
	}
	return max
}

// unset reports whether a stage timestamp is missing. Providers decode
// absent times as either nil or the zero time.
func unset(t *time.Time) bool {
	return t == nil || t.IsZero()
}

// Resolve derives the full state for stages, preferring a provider-reported
// override when one is given.
func Resolve(stages []Stage, tok Tokens, override *State) State {
	if override != nil {
		return *override
	}
	status, result := Infer(stages, tok)
	return State{
		Status:   status,
		Result:   result,
		Started:  StartTime(stages),
		Finished: EndTime(stages),
	}
}

// GroupByType splits stages by Type, keeping first-seen order of types.
func GroupByType(stages []Stage) ([]string, map[string][]Stage) {
	var order []string
	groups := make(map[string][]Stage)
	for _, s := range stages {
		if _, ok := groups[s.Type]; !ok {
			order = append(order, s.Type)
		}
		groups[s.Type] = append(groups[s.Type], s)
	}
	return order, groups
}

var statusRank = map[model.Status]int{
	model.StatusUnknown:    0,
	model.StatusQueued:     1,
	model.StatusInProgress: 2,
	model.StatusFinished:   3,
}

// advance returns next unless it would move an entity backwards.
func advance(cur, next model.Status) model.Status {
	if statusRank[next] < statusRank[cur] {
		return cur
	}
	return next
}
