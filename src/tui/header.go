package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Result filters, cycled with Tab.
const (
	FilterAll     = "ALL"
	FilterRunning = "RUNNING"
	FilterFailed  = "FAILED"
	FilterPassed  = "PASSED"
)

var filters = []string{FilterAll, FilterRunning, FilterFailed, FilterPassed}

// Header represents the top status bar component.
type Header struct {
	title          string
	status         string
	selectedFilter string
	searchQuery    string
	searchMode     bool
	styles         *StyleConfig
}

// NewHeader creates a new header with custom styles
func NewHeader(title string, styles *StyleConfig) Header {
	return Header{
		title:          title,
		selectedFilter: FilterAll,
		styles:         styles,
	}
}

// SetStatus sets the summary shown after the title, e.g. build counts.
func (h *Header) SetStatus(status string) {
	h.status = status
}

// GetFilter returns the current filter
func (h Header) GetFilter() string {
	return h.selectedFilter
}

// CycleFilter cycles to the next filter
func (h *Header) CycleFilter() {
	for i, f := range filters {
		if f == h.selectedFilter {
			h.selectedFilter = filters[(i+1)%len(filters)]
			return
		}
	}
	h.selectedFilter = FilterAll
}

// SetSearch updates the search state
func (h *Header) SetSearch(query string, mode bool) {
	h.searchQuery = query
	h.searchMode = mode
}

// Render renders the header
func (h Header) Render(width int) string {
	sectionStyle := lipgloss.NewStyle().
		Foreground(h.styles.PrimaryBlue).
		Bold(true).
		Padding(0, 2)

	title := h.title
	if h.status != "" {
		title = fmt.Sprintf("%s · %s", h.title, h.status)
	}
	status := sectionStyle.Render(title)
	filter := sectionStyle.Render(fmt.Sprintf("Filter: %s", h.selectedFilter))

	var searchText string
	switch {
	case h.searchMode:
		searchText = fmt.Sprintf("Search: %s█", h.searchQuery)
	case h.searchQuery != "":
		searchText = fmt.Sprintf("Search: %s", h.searchQuery)
	default:
		searchText = "[/] to search"
	}
	searchStyle := lipgloss.NewStyle().
		Foreground(h.styles.TextSecondary).
		Padding(0, 2)
	if h.searchMode {
		searchStyle = searchStyle.Foreground(h.styles.PrimaryBlue)
	}
	search := searchStyle.Render(searchText)

	leftSection := lipgloss.JoinHorizontal(lipgloss.Left, status, filter, search)
	leftSection = lipgloss.NewStyle().MaxWidth(width).Render(leftSection)

	headerStyle := lipgloss.NewStyle().
		Background(h.styles.DarkBackground).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(h.styles.BorderColor).
		Width(width)

	return headerStyle.Render(leftSection)
}
