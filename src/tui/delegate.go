package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	// listRenderingOverhead accounts for padding added by bubbles/list and
	// the panel borders.
	listRenderingOverhead = 10

	resultWidth   = 8
	durationWidth = 6
	shaWidth      = 7
)

// Delegate renders builds as table rows.
type Delegate struct {
	styles *StyleConfig
}

// NewDelegate creates a new build row delegate with default styles
func NewDelegate() Delegate {
	return Delegate{styles: DefaultStyles()}
}

// NewDelegateWithStyles creates a new delegate with custom styles
func NewDelegateWithStyles(styles *StyleConfig) Delegate {
	return Delegate{styles: styles}
}

func (d Delegate) Height() int { return 1 }

func (d Delegate) Spacing() int { return 0 }

func (d Delegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

// row formats the columns of entry for a list of the given width.
func (d Delegate) row(entry Item, width int) string {
	b := entry.Build
	result := string(b.Result)
	if !b.IsFinished() {
		result = string(b.Status)
	}

	fixedWidth := 1 + resultWidth + durationWidth + shaWidth + 12
	label := ""
	if available := width - fixedWidth - listRenderingOverhead; available > 0 {
		label = TruncateAndPad(b.Label, available, true)
	}

	return fmt.Sprintf("%s │ %s │ %s │ %s │ %s",
		statusIcon(b.Status, b.Result),
		TruncateAndPad(result, resultWidth, false),
		fmt.Sprintf("%*s", durationWidth, FormatDuration(b.Duration)),
		TruncateAndPad(ShortSHA(b.RevisionSHA), shaWidth, false),
		label)
}

// Render renders a list item
func (d Delegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	entry, ok := item.(Item)
	if !ok || entry.Build == nil {
		return
	}

	style := lipgloss.NewStyle().Foreground(d.styles.ResultColor(entry.Build.Status, entry.Build.Result))
	if index == m.Index() {
		style = style.Bold(true).Background(d.styles.SelectedColor)
	}

	fmt.Fprint(w, style.Render(d.row(entry, m.Width())))
}
