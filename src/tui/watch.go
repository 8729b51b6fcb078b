package tui

import (
	"context"
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"changes-agent/src/broker"
	"changes-agent/src/contracts"
	"changes-agent/src/logger"
	"changes-agent/src/store"
)

// Feed turns build and job updates from the broker into bubbletea
// messages.
type Feed struct {
	msgs chan tea.Msg
}

// Subscribe follows the build and job topics from their current end; older
// state comes from LoadRecent. The feed closes when ctx is done or both
// subscriptions end.
func Subscribe(ctx context.Context, b broker.Broker, groupID string, log logger.Logger) (*Feed, error) {
	builds, err := b.Subscribe(ctx, contracts.TopicBuilds, groupID, broker.FromLatest())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", contracts.TopicBuilds, err)
	}
	jobs, err := b.Subscribe(ctx, contracts.TopicJobs, groupID, broker.FromLatest())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", contracts.TopicJobs, err)
	}

	f := &Feed{msgs: make(chan tea.Msg, 64)}

	var g errgroup.Group
	g.Go(func() error {
		f.pump(ctx, builds, log, func(data []byte) (tea.Msg, error) {
			var u contracts.BuildUpdate
			if err := json.Unmarshal(data, &u); err != nil {
				return nil, err
			}
			return BuildMsg{Build: u.Build}, nil
		})
		return nil
	})
	g.Go(func() error {
		f.pump(ctx, jobs, log, func(data []byte) (tea.Msg, error) {
			var u contracts.JobUpdate
			if err := json.Unmarshal(data, &u); err != nil {
				return nil, err
			}
			return JobMsg{Job: u.Job}, nil
		})
		return nil
	})
	go func() {
		_ = g.Wait()
		close(f.msgs)
	}()

	return f, nil
}

func (f *Feed) pump(ctx context.Context, in <-chan broker.Message, log logger.Logger, decode func([]byte) (tea.Msg, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			msg, err := decode(raw.Value)
			if err != nil {
				log.Warn("Dropping undecodable update on %s: %v", raw.Topic, err)
				continue
			}
			select {
			case f.msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Next waits for the next update.
func (f *Feed) Next() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-f.msgs
		if !ok {
			return feedClosedMsg{}
		}
		return msg
	}
}

// LoadRecent reads the newest builds of a project with their jobs.
func LoadRecent(ctx context.Context, q store.Querier, projectID string, limit int) ([]Item, error) {
	builds, err := q.ListBuilds(ctx, store.BuildFilter{ProjectID: projectID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	items := make([]Item, 0, len(builds))
	for _, b := range builds {
		jobs, err := q.ListJobsByBuild(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("list jobs for build %s: %w", b.ID, err)
		}
		item := Item{Build: b}
		for _, j := range jobs {
			item = item.withJob(j)
		}
		items = append(items, item)
	}
	return items, nil
}

// Options configures Start.
type Options struct {
	Title     string
	ProjectID string
	GroupID   string
	Initial   []Item
}

// Start runs the watcher until the user quits or ctx is cancelled.
func Start(ctx context.Context, b broker.Broker, log logger.Logger, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed, err := Subscribe(ctx, b, opts.GroupID, log)
	if err != nil {
		return err
	}

	p := tea.NewProgram(
		NewMainModel(opts.Title, opts.ProjectID, feed, opts.Initial),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run watcher: %w", err)
	}
	return nil
}
