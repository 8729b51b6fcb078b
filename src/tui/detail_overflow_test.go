package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"changes-agent/src/model"
)

// Long labels and URLs must wrap inside the detail panel instead of
// bleeding into the list panel.
func TestView_LongLinesStayWithinWidth(t *testing.T) {
	long := strings.Repeat("integration suite for the payments service ", 6)
	b := build("overflow", 0, model.StatusFinished, model.ResultFailed)
	b.Label = long

	j := job("j1", "overflow", model.ResultFailed)
	j.Label = long
	j.Data = model.Data{"url": "https://ci.example.com/" + strings.Repeat("very-long-path-segment/", 10)}

	widths := []int{60, 100, 160}
	for _, width := range widths {
		m := NewMainModel("changes", "", nil, []Item{{Build: b, Jobs: []*model.Job{j}}})
		updated, _ := m.Update(tea.WindowSizeMsg{Width: width, Height: 30})
		m = updated.(MainModel)

		for i, line := range strings.Split(m.View(), "\n") {
			if w := VisualWidth(ansi.Strip(line)); w > width {
				t.Errorf("width %d: line %d is %d cells: %q", width, i, w, ansi.Strip(line))
			}
		}
	}
}

func TestRenderDetail_NoJobs(t *testing.T) {
	b := build("a", 0, model.StatusQueued, model.ResultUnknown)
	b.PatchID = "D123"
	b.ParentID = "parent"

	m := NewMainModel("changes", "", nil, nil)
	out := ansi.Strip(m.renderDetail(Item{Build: b}, 80))

	for _, want := range []string{"Build a", "0123456", "Patch: D123", "Retry of: parent", "No jobs reported yet"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
}

func TestRenderDetail_Jobs(t *testing.T) {
	b := build("a", 0, model.StatusFinished, model.ResultFailed)
	d := int64((95 * time.Second).Milliseconds())
	j := job("j1", "a", model.ResultFailed)
	j.Duration = &d

	m := NewMainModel("changes", "", nil, nil)
	out := ansi.Strip(m.renderDetail(Item{Build: b, Jobs: []*model.Job{j, job("j2", "a", model.ResultPassed)}}, 80))

	for _, want := range []string{"Jobs (2, 1 failed)", "Job j1 [buildkite] failed 1m35s", "✓ Job j2"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
}
