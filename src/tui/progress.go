package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ASCII art logo lines for the waiting screen
var changesLogo = []string{
	" ▄█████▄ ██   ██  ▄████▄  ███  ██  ▄█████▄ ████████ ▄██████",
	" ██      ██   ██ ██    ██ ████ ██ ██       ██       ██",
	" ██      ███████ ████████ ██ ████ ██  ████ ██████   ▀█████▄",
	" ██      ██   ██ ██    ██ ██  ███ ██    ██ ██             ██",
	" ▀█████▀ ██   ██ ██    ██ ██   ██  ▀████▀  ████████ ██████▀",
}

// Gradient colors from light (top) to dark (bottom)
var logoGradientColors = []string{
	"#5DADE2",
	"#3498DB",
	"#2E86C1",
	"#2874A6",
	"#21618C",
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// ProgressMsg updates the waiting screen, e.g. while recent builds are
// loaded before the live feed starts.
type ProgressMsg struct {
	Stage   string
	Current int
	Total   int
}

// StageLive ends the waiting screen.
const StageLive = "live"

// SpinnerTickMsg advances the spinner one frame.
type SpinnerTickMsg time.Time

type ProgressModel struct {
	stage        string
	current      int
	total        int
	done         bool
	spinnerFrame int
}

func NewProgressModel() ProgressModel {
	return ProgressModel{}
}

// SpinnerTick returns a command that sends SpinnerTickMsg after a delay
func SpinnerTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return SpinnerTickMsg(t)
	})
}

func (m ProgressModel) Update(msg tea.Msg) (ProgressModel, tea.Cmd) {
	switch msg := msg.(type) {
	case ProgressMsg:
		m.stage = msg.Stage
		m.current = msg.Current
		m.total = msg.Total
		if msg.Stage == StageLive {
			m.done = true
		}
	case SpinnerTickMsg:
		m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
		if !m.done {
			return m, SpinnerTick()
		}
	}
	return m, nil
}

func (m ProgressModel) View() string {
	var logoLines []string
	for i, line := range changesLogo {
		style := lipgloss.NewStyle().
			Foreground(lipgloss.Color(logoGradientColors[i%len(logoGradientColors)])).
			Bold(true)
		logoLines = append(logoLines, style.Render(line))
	}
	logo := strings.Join(logoLines, "\n")

	if m.done {
		status := lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Render("✓ Watching for builds")
		return lipgloss.JoinVertical(lipgloss.Center, logo, "", status)
	}

	spinner := lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")).Render(spinnerFrames[m.spinnerFrame])

	var statusLine string
	switch {
	case m.total > 0:
		pct := float64(m.current) / float64(m.total) * 100
		statusLine = fmt.Sprintf("%s %s (%d/%d, %.0f%%)", spinner, m.stage, m.current, m.total, pct)
	case m.stage != "":
		statusLine = fmt.Sprintf("%s %s...", spinner, m.stage)
	default:
		statusLine = fmt.Sprintf("%s Waiting for builds...", spinner)
	}

	return lipgloss.JoinVertical(lipgloss.Center, logo, "", statusLine)
}
