package tui

import (
	"changes-agent/src/model"
)

// keep reports whether b passes the result filter.
func keep(filter string, b *model.Build) bool {
	switch filter {
	case FilterRunning:
		return !b.IsFinished()
	case FilterFailed:
		return b.IsFinished() && b.Result.IsFailure()
	case FilterPassed:
		return b.IsFinished() && b.Result == model.ResultPassed
	default:
		return true
	}
}

// applyFilter narrows the list to the builds matching the header filter
// and search query.
func (m *MainModel) applyFilter() {
	filter := m.header.GetFilter()

	var filtered []Item
	for _, item := range m.items {
		if keep(filter, item.Build) && item.matches(m.searchQuery) {
			filtered = append(filtered, item)
		}
	}

	m.listView.SetItems(filtered)
	if selectedItem, ok := m.listView.GetSelectedItem(); ok {
		m.updateDetailContent(selectedItem)
	} else {
		m.detailViewport.SetContent("")
	}
}
