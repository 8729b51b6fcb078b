package tui

import (
	"github.com/charmbracelet/lipgloss"

	"changes-agent/src/model"
)

// StyleConfig holds all customizable style colors for the watcher UI.
type StyleConfig struct {
	// Primary colors
	PrimaryBlue    lipgloss.Color
	AccentBlue     lipgloss.Color
	DarkBackground lipgloss.Color
	TextPrimary    lipgloss.Color
	TextSecondary  lipgloss.Color
	BorderColor    lipgloss.Color
	SelectedColor  lipgloss.Color

	// Result colors
	Passed  lipgloss.Color
	Failed  lipgloss.Color
	Running lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultStyles returns the default color palette
func DefaultStyles() *StyleConfig {
	return &StyleConfig{
		PrimaryBlue:    lipgloss.Color("#8AB4F8"),
		AccentBlue:     lipgloss.Color("#4285F4"),
		DarkBackground: lipgloss.Color("#1E1E1E"),
		TextPrimary:    lipgloss.Color("#E8EAED"),
		TextSecondary:  lipgloss.Color("#9AA0A6"),
		BorderColor:    lipgloss.Color("#5F6368"),
		SelectedColor:  lipgloss.Color("#303134"),
		Passed:         lipgloss.Color("#34A853"),
		Failed:         lipgloss.Color("#EA4335"),
		Running:        lipgloss.Color("#FBBC04"),
		Muted:          lipgloss.Color("#80868B"),
	}
}

// ResultColor picks the color a status/result pair is drawn in.
func (s *StyleConfig) ResultColor(status model.Status, result model.Result) lipgloss.Color {
	switch {
	case status != model.StatusFinished:
		return s.Running
	case result == model.ResultPassed:
		return s.Passed
	case result.IsFailure():
		return s.Failed
	default:
		return s.Muted
	}
}

// HelpStyle returns a help text lipgloss style using this config
func (s *StyleConfig) HelpStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(s.TextSecondary).
		Padding(0, 2)
}

// statusIcon is the one-cell marker drawn before a build or job.
func statusIcon(status model.Status, result model.Result) string {
	switch {
	case status == model.StatusQueued:
		return "◌"
	case status != model.StatusFinished:
		return "●"
	case result == model.ResultPassed:
		return "✓"
	case result.IsFailure():
		return "✗"
	default:
		return "–"
	}
}
