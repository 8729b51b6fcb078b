package mcp

import (
	"sort"
	"strings"

	"changes-agent/src/model"
	"changes-agent/src/patterns"
)

// Message line limits per tier. Failures a job introduced are the likely
// cause of a red build and get more of their traces.
const (
	NewMessageLines       = 12
	InheritedMessageLines = 3
)

// Failure limits per tier.
const (
	DefaultNewLimit       = 25
	DefaultInheritedLimit = 10
)

// maxMessagesPerFailure caps the failing test cases quoted per group.
const maxMessagesPerFailure = 3

// TierFailures splits failing groups of job by origin. A group whose
// origin is job itself is new; anything else was already failing before
// job ran. cases holds the test cases of job keyed by group id. limit
// overrides DefaultNewLimit when positive.
func TierFailures(job *model.Job, failing []*model.TestGroup, origins map[string]*model.Job, cases map[string][]*model.TestCase, limit int) FailureReport {
	newLimit := DefaultNewLimit
	if limit > 0 {
		newLimit = limit
	}

	report := FailureReport{
		JobID:     job.ID,
		Job:       job.Label,
		Result:    string(job.Result),
		New:       []Failure{},
		Inherited: []Failure{},
	}

	sorted := make([]*model.TestGroup, len(failing))
	copy(sorted, failing)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].NumFailed != sorted[j].NumFailed {
			return sorted[i].NumFailed > sorted[j].NumFailed
		}
		return sorted[i].Name < sorted[j].Name
	})

	for _, g := range sorted {
		origin := origins[g.ID]
		if origin == nil {
			origin = job
		}
		isNew := origin.ID == job.ID

		switch {
		case isNew && len(report.New) < newLimit:
			report.New = append(report.New, convertToFailure(g, origin, cases[g.ID], NewMessageLines))
		case !isNew && len(report.Inherited) < DefaultInheritedLimit:
			report.Inherited = append(report.Inherited, convertToFailure(g, origin, cases[g.ID], InheritedMessageLines))
		default:
			report.Omitted++
		}
	}
	return report
}

func convertToFailure(g *model.TestGroup, origin *model.Job, cases []*model.TestCase, lines int) Failure {
	f := Failure{
		Name:        g.Name,
		Result:      string(g.Result),
		NumFailed:   g.NumFailed,
		OriginJobID: origin.ID,
		OriginLabel: origin.Label,
	}
	seen := make(map[uint64]bool)
	for _, tc := range cases {
		if !tc.Result.IsFailure() || tc.Message == "" {
			continue
		}
		// Cases failing the same way are quoted once.
		sig := patterns.Signature(tc.Message)
		if seen[sig] {
			f.Repeated++
			continue
		}
		if len(f.Messages) >= maxMessagesPerFailure {
			continue
		}
		msg := compressMessage(tc.Message, lines)
		if len(msg) == 0 {
			continue
		}
		seen[sig] = true
		f.Messages = append(f.Messages, tc.Name+": "+strings.Join(msg, "\n"))
	}
	return f
}
