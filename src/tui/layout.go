package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Rows outside the panels: help line, list column header, panel borders.
const chromeRows = 1 + 1 + 2

type panelDimensions struct {
	availableHeight int
	listWidth       int
	detailWidth     int
}

// calculateDimensions splits the screen below the header between the build
// list (55%) and the detail panel. Render and resize both use it.
func (m MainModel) calculateDimensions() panelDimensions {
	height := m.height - lipgloss.Height(m.header.Render(m.width)) - chromeRows
	if height < 1 {
		height = 1
	}
	listWidth := m.width * 55 / 100
	return panelDimensions{
		availableHeight: height,
		listWidth:       listWidth,
		detailWidth:     m.width - listWidth,
	}
}

func (m MainModel) View() string {
	if !m.ready {
		return "\n  Connecting..."
	}

	header := m.header.Render(m.width)

	// Nothing to list yet: keep the progress screen up.
	if m.status == StatusLoading && len(m.items) == 0 {
		waiting := lipgloss.NewStyle().
			Width(m.width).
			Align(lipgloss.Center).
			PaddingTop(2).
			Render(m.progress.View())
		return lipgloss.JoinVertical(lipgloss.Left, header, waiting)
	}

	dims := m.calculateDimensions()
	panels := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderListPanel(dims.listWidth, dims.availableHeight),
		m.renderDetailPanel(dims.detailWidth, dims.availableHeight),
	)
	return lipgloss.JoinVertical(lipgloss.Left, header, panels, m.renderHelpText())
}

type keyHint struct {
	key    string
	action string
}

func (m MainModel) keyHints() []keyHint {
	switch {
	case m.searchMode:
		return []keyHint{{"Enter", "Apply"}, {"Esc", "Clear"}}
	case m.detailFocused:
		return []keyHint{{"j/k", "Scroll"}, {"Esc", "Back"}, {"q", "Quit"}}
	}
	hints := []keyHint{{"j/k", "Nav"}, {"Tab", "Filter"}, {"/", "Search"}}
	if m.listView.Len() > 0 {
		hints = append(hints, keyHint{"Enter", "Jobs"})
	}
	return append(hints, keyHint{"q", "Quit"})
}

func (m MainModel) renderHelpText() string {
	keyStyle := lipgloss.NewStyle().Foreground(m.styles.PrimaryBlue).Bold(true)
	sep := lipgloss.NewStyle().Foreground(m.styles.TextSecondary).Render(" • ")

	parts := make([]string, 0, 5)
	for _, h := range m.keyHints() {
		parts = append(parts, keyStyle.Render(h.key)+": "+h.action)
	}
	return lipgloss.NewStyle().
		MaxWidth(m.width).
		Render(m.styles.HelpStyle().Render(strings.Join(parts, sep)))
}

func (m *MainModel) resizeComponents() {
	dims := m.calculateDimensions()

	m.listView.SetSize(dims.listWidth-2, dims.availableHeight)

	// Borders, plus the build id row above the viewport.
	m.detailViewport.Width = dims.detailWidth - 2
	m.detailViewport.Height = dims.availableHeight - 1

	if item, ok := m.listView.GetSelectedItem(); ok {
		m.updateDetailContent(item)
	}
}
