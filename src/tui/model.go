package tui

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"changes-agent/src/model"
)

// Feed status shown in the header.
const (
	StatusLoading = "loading"
	StatusLive    = "live"
	StatusClosed  = "closed"
)

// BuildMsg delivers a build update from the feed.
type BuildMsg struct {
	Build *model.Build
}

// JobMsg delivers a job update from the feed.
type JobMsg struct {
	Job *model.Job
}

// feedClosedMsg is sent once the feed has no more updates.
type feedClosedMsg struct{}

// MainModel is the root bubbletea model of the build watcher.
type MainModel struct {
	width  int
	height int
	ready  bool

	header         Header
	listView       View
	detailViewport viewport.Model
	detailFocused  bool
	searchMode     bool
	searchQuery    string

	// items is every known build family, newest first.
	items []Item
	// pendingJobs holds jobs whose build has not arrived yet.
	pendingJobs map[string][]*model.Job

	projectID string
	status    string
	progress  ProgressModel
	styles    *StyleConfig
	feed      *Feed
}

// NewMainModel creates the watcher model. feed may be nil, in which case
// only initial is shown. A non-empty projectID hides other projects.
func NewMainModel(title, projectID string, feed *Feed, initial []Item) MainModel {
	styles := DefaultStyles()
	m := MainModel{
		header:         NewHeader(title, styles),
		listView:       NewView(styles),
		detailViewport: viewport.New(0, 0),
		pendingJobs:    make(map[string][]*model.Job),
		projectID:      projectID,
		status:         StatusLoading,
		progress:       NewProgressModel(),
		styles:         styles,
		feed:           feed,
	}
	for _, item := range initial {
		if m.visible(item.Build.ProjectID) {
			m.items = append(m.items, item)
		}
	}
	m.sortItems()
	if len(m.items) > 0 {
		m.status = StatusLive
		m.progress, _ = m.progress.Update(ProgressMsg{Stage: StageLive})
	}
	m.refreshHeader()
	m.applyFilter()
	return m
}

func (m MainModel) Init() tea.Cmd {
	cmds := []tea.Cmd{SpinnerTick()}
	if m.feed != nil {
		cmds = append(cmds, m.feed.Next())
	}
	return tea.Batch(cmds...)
}

func (m MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resizeComponents()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case BuildMsg:
		m.upsertBuild(msg.Build)
		m.goLive()
		m.applyFilter()
		return m, m.nextFromFeed()

	case JobMsg:
		m.upsertJob(msg.Job)
		m.applyFilter()
		return m, m.nextFromFeed()

	case feedClosedMsg:
		m.status = StatusClosed
		m.refreshHeader()
		return m, nil

	case ProgressMsg, SpinnerTickMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	if m.detailFocused {
		var cmd tea.Cmd
		m.detailViewport, cmd = m.detailViewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m MainModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searchMode {
		switch msg.Type {
		case tea.KeyEnter:
			m.searchMode = false
		case tea.KeyEsc:
			m.searchMode = false
			m.searchQuery = ""
		case tea.KeyBackspace:
			if r := []rune(m.searchQuery); len(r) > 0 {
				m.searchQuery = string(r[:len(r)-1])
			}
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyRunes, tea.KeySpace:
			m.searchQuery += string(msg.Runes)
		}
		m.header.SetSearch(m.searchQuery, m.searchMode)
		m.applyFilter()
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "/":
		m.searchMode = true
		m.detailFocused = false
		m.header.SetSearch(m.searchQuery, true)
		return m, nil
	case "tab":
		m.header.CycleFilter()
		m.applyFilter()
		return m, nil
	case "enter":
		if _, ok := m.listView.GetSelectedItem(); ok {
			m.detailFocused = true
		}
		return m, nil
	case "esc":
		m.detailFocused = false
		return m, nil
	}

	var cmd tea.Cmd
	if m.detailFocused {
		m.detailViewport, cmd = m.detailViewport.Update(msg)
		return m, cmd
	}

	m.listView, cmd = m.listView.Update(msg)
	if selectedItem, ok := m.listView.GetSelectedItem(); ok {
		m.updateDetailContent(selectedItem)
		m.detailViewport.GotoTop()
	}
	return m, cmd
}

func (m MainModel) visible(projectID string) bool {
	return m.projectID == "" || m.projectID == projectID
}

func (m MainModel) indexOf(buildID string) int {
	for i, item := range m.items {
		if item.Build.ID == buildID {
			return i
		}
	}
	return -1
}

// upsertBuild stores b. Older snapshots of a build never replace newer
// ones since updates may arrive out of order across partitions.
func (m *MainModel) upsertBuild(b *model.Build) {
	if b == nil || !m.visible(b.ProjectID) {
		return
	}
	if i := m.indexOf(b.ID); i >= 0 {
		if b.DateModified.Before(m.items[i].Build.DateModified) {
			return
		}
		m.items[i].Build = b
	} else {
		item := Item{Build: b}
		for _, j := range m.pendingJobs[b.ID] {
			item = item.withJob(j)
		}
		delete(m.pendingJobs, b.ID)
		m.items = append(m.items, item)
		m.sortItems()
	}
	m.refreshHeader()
}

func (m *MainModel) upsertJob(j *model.Job) {
	if j == nil || !m.visible(j.ProjectID) {
		return
	}
	i := m.indexOf(j.BuildID)
	if i < 0 {
		pending := m.pendingJobs[j.BuildID]
		for k, p := range pending {
			if p.ID == j.ID {
				if !j.DateModified.Before(p.DateModified) {
					pending[k] = j
				}
				return
			}
		}
		m.pendingJobs[j.BuildID] = append(pending, j)
		return
	}
	for _, cur := range m.items[i].Jobs {
		if cur.ID == j.ID && j.DateModified.Before(cur.DateModified) {
			return
		}
	}
	m.items[i] = m.items[i].withJob(j)
}

func (m *MainModel) sortItems() {
	sort.SliceStable(m.items, func(a, b int) bool {
		return m.items[a].Build.DateCreated.After(m.items[b].Build.DateCreated)
	})
}

func (m *MainModel) goLive() {
	if m.status != StatusLoading {
		return
	}
	m.status = StatusLive
	m.progress, _ = m.progress.Update(ProgressMsg{Stage: StageLive})
	m.refreshHeader()
}

func (m *MainModel) refreshHeader() {
	running, failed := 0, 0
	for _, item := range m.items {
		switch {
		case !item.Build.IsFinished():
			running++
		case item.Build.Result.IsFailure():
			failed++
		}
	}
	status := fmt.Sprintf("%d builds, %d running, %d failed", len(m.items), running, failed)
	if m.status == StatusClosed {
		status += " · feed closed"
	}
	m.header.SetStatus(status)
}

func (m MainModel) nextFromFeed() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return m.feed.Next()
}
