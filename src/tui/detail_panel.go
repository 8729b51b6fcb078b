package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// renderDetail renders the jobs of a build family
func (m MainModel) renderDetail(item Item, maxWidth int) string {
	var content strings.Builder
	b := item.Build

	header := lipgloss.NewStyle().
		Foreground(m.styles.ResultColor(b.Status, b.Result)).
		Bold(true).
		Render(Wrap(fmt.Sprintf("%s %s · %s · %s",
			statusIcon(b.Status, b.Result), b.Label, b.Result, FormatDuration(b.Duration)), maxWidth))
	fmt.Fprintf(&content, "%s\n", header)

	secondary := lipgloss.NewStyle().Foreground(m.styles.TextSecondary)
	meta := fmt.Sprintf("Revision: %s", ShortSHA(b.RevisionSHA))
	if b.PatchID != "" {
		meta += fmt.Sprintf(" · Patch: %s", b.PatchID)
	}
	if b.ParentID != "" {
		meta += fmt.Sprintf(" · Retry of: %s", b.ParentID)
	}
	fmt.Fprintf(&content, "%s\n\n", secondary.Render(Wrap(meta, maxWidth)))

	if len(item.Jobs) == 0 {
		fmt.Fprintln(&content, secondary.Faint(true).Render("No jobs reported yet"))
		return content.String()
	}

	fmt.Fprintln(&content, secondary.Bold(true).Render(fmt.Sprintf("Jobs (%d, %d failed):", len(item.Jobs), item.FailedJobs())))
	for _, j := range item.Jobs {
		line := fmt.Sprintf("%s %s [%s] %s %s",
			statusIcon(j.Status, j.Result), j.Label, j.Provider, j.Result, FormatDuration(j.Duration))
		fmt.Fprintln(&content, lipgloss.NewStyle().
			Foreground(m.styles.ResultColor(j.Status, j.Result)).
			Render(Wrap(line, maxWidth)))
		if url := j.Data["url"]; url != "" {
			fmt.Fprintln(&content, secondary.Faint(true).Render(Wrap("  "+url, maxWidth)))
		}
	}

	return content.String()
}

// updateDetailContent updates the viewport with content from the selected item
func (m *MainModel) updateDetailContent(item Item) {
	// 1 char padding on each side
	maxWidth := m.detailViewport.Width - 2
	m.detailViewport.SetContent(m.renderDetail(item, maxWidth))
}

// renderDetailPanel renders the right panel with detail viewport
func (m MainModel) renderDetailPanel(width, height int) string {
	if selectedItem, ok := m.listView.GetSelectedItem(); ok {
		headerRow := lipgloss.NewStyle().
			Foreground(m.styles.PrimaryBlue).
			Bold(true).
			Padding(0, 1).
			Render(Truncate(fmt.Sprintf("Build: %s", selectedItem.Build.ID), width-2, true))

		borderColor := m.styles.BorderColor
		if m.detailFocused {
			borderColor = m.styles.AccentBlue
		}

		return lipgloss.JoinVertical(lipgloss.Left, headerRow,
			lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(borderColor).
				Width(width-2).
				Height(height).
				Render(m.detailViewport.View()))
	}

	placeholderRow := lipgloss.NewStyle().Padding(0, 1).Render(" ")
	emptyStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.BorderColor).
		Width(width-2).
		Height(height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(m.styles.TextSecondary).
		Faint(true)

	return lipgloss.JoinVertical(lipgloss.Left, placeholderRow, emptyStyle.Render("No builds match"))
}
