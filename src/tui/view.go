package tui

import (
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
)

// View manages the list of builds.
type View struct {
	list list.Model
}

// NewView creates a new build list view
func NewView(styles *StyleConfig) View {
	delegate := NewDelegateWithStyles(styles)
	l := list.New([]list.Item{}, delegate, 0, 0)
	l.SetShowStatusBar(false)
	l.SetShowTitle(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	l.SetShowPagination(false)

	return View{list: l}
}

// Update handles list navigation
func (v View) Update(msg tea.Msg) (View, tea.Cmd) {
	var cmd tea.Cmd
	v.list, cmd = v.list.Update(msg)
	return v, cmd
}

// SetSize sets the list dimensions
func (v *View) SetSize(width, height int) {
	v.list.SetSize(width, height)
}

// SetItems replaces the list items, keeping the selection on the same
// build when it is still listed.
func (v *View) SetItems(items []Item) {
	selected := ""
	if cur, ok := v.GetSelectedItem(); ok {
		selected = cur.Build.ID
	}

	listItems := make([]list.Item, len(items))
	index := 0
	for i, item := range items {
		listItems[i] = item
		if item.Build.ID == selected {
			index = i
		}
	}
	v.list.SetItems(listItems)
	v.list.Select(index)
}

// GetSelectedItem returns the currently selected build
func (v View) GetSelectedItem() (Item, bool) {
	if len(v.list.Items()) == 0 {
		return Item{}, false
	}
	item, ok := v.list.SelectedItem().(Item)
	return item, ok
}

// Len is the number of listed builds.
func (v View) Len() int {
	return len(v.list.Items())
}

// Render returns the string representation of the view
func (v View) Render() string {
	return v.list.View()
}
