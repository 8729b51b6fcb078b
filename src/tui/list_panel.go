package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// renderListPanel draws the column header and the bordered build list.
// The list itself is sized in resizeComponents.
func (m MainModel) renderListPanel(width, height int) string {
	columns := fmt.Sprintf("  │ %-*s │ %*s │ %-*s │ Build",
		resultWidth, "Result", durationWidth, "Time", shaWidth, "Rev")
	if shown, total := m.listView.Len(), len(m.items); shown != total {
		columns += fmt.Sprintf(" (%d of %d)", shown, total)
	}

	header := lipgloss.NewStyle().
		Foreground(m.styles.PrimaryBlue).
		Bold(true).
		Width(width-2).
		Padding(0, 1).
		Render(Truncate(columns, width-4, true))

	list := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.BorderColor).
		Width(width - 2).
		Height(height).
		Render(m.listView.Render())

	return lipgloss.JoinVertical(lipgloss.Left, header, list)
}
