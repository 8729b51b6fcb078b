package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestProgressModel_InitialState(t *testing.T) {
	model := NewProgressModel()

	if model.stage != "" {
		t.Errorf("expected empty stage, got %s", model.stage)
	}
	if model.done {
		t.Error("expected not done initially")
	}
	if !strings.Contains(model.View(), "Waiting for builds") {
		t.Errorf("expected waiting text, got: %s", model.View())
	}
}

func TestProgressModel_Update(t *testing.T) {
	tests := []struct {
		name string
		msg  ProgressMsg
		want []string
	}{
		{"stage only", ProgressMsg{Stage: "Loading recent builds"}, []string{"Loading recent builds"}},
		{"with counts", ProgressMsg{Stage: "Loading jobs", Current: 3, Total: 5}, []string{"3/5", "60%"}},
		{"live", ProgressMsg{Stage: StageLive}, []string{"Watching for builds"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, _ := NewProgressModel().Update(tt.msg)
			view := model.View()
			for _, want := range tt.want {
				if !strings.Contains(view, want) {
					t.Errorf("expected view to contain %q, got: %s", want, view)
				}
			}
		})
	}
}

func TestProgressModel_SpinnerStopsWhenLive(t *testing.T) {
	model := NewProgressModel()

	model, cmd := model.Update(SpinnerTickMsg{})
	if cmd == nil {
		t.Error("expected spinner to reschedule while waiting")
	}
	if model.spinnerFrame != 1 {
		t.Errorf("expected frame 1, got %d", model.spinnerFrame)
	}

	model, _ = model.Update(ProgressMsg{Stage: StageLive})
	if _, cmd = model.Update(SpinnerTickMsg{}); cmd != nil {
		t.Error("expected spinner to stop once live")
	}
}

func TestProgressModel_ImplementsUpdate(t *testing.T) {
	var _ interface {
		Update(tea.Msg) (ProgressModel, tea.Cmd)
	} = ProgressModel{}
}
