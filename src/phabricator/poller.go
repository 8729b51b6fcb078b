package phabricator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"changes-agent/src/logger"
	"changes-agent/src/model"
	"changes-agent/src/provider"
	"changes-agent/src/remote"
	"changes-agent/src/store"
)

// Name is the provider name used in remote mappings.
const Name = "phabricator"

// DefaultRevisionLimit is how many revisions are polled per project.
const DefaultRevisionLimit = 25

// Poller materializes Differential revisions as changes and their diffs as
// patches. Projects are polled when they have a phabricator mapping whose
// remote id is the Arcanist project name.
type Poller struct {
	client        *Client
	store         store.Store
	remotes       *remote.Map
	log           logger.Logger
	RevisionLimit int
}

func NewPoller(client *Client, s store.Store, remotes *remote.Map, log logger.Logger) *Poller {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	if remotes == nil {
		remotes = remote.NewMap()
	}
	return &Poller{client: client, store: s, remotes: remotes, log: log, RevisionLimit: DefaultRevisionLimit}
}

// Synced reports one materialized entity.
type Synced[T any] struct {
	Entity  T
	Created bool
}

// SyncRevisionList polls every mapped project and syncs its revisions.
func (p *Poller) SyncRevisionList(ctx context.Context) ([]Synced[*model.Change], error) {
	projects, err := p.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var out []Synced[*model.Change]
	for _, project := range projects {
		m, err := p.remotes.FindByInternal(ctx, p.store, model.KindProject, project.ID, Name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		revs, err := p.client.QueryRevisions(ctx, m.RemoteID, p.RevisionLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to query revisions of %s: %w", m.RemoteID, err)
		}
		for i := range revs {
			change, created, err := p.SyncRevision(ctx, project, &revs[i])
			if err != nil {
				return nil, err
			}
			out = append(out, Synced[*model.Change]{Entity: change, Created: created})
		}
	}
	return out, nil
}

// SyncRevision creates or refreshes the change for one revision.
func (p *Poller) SyncRevision(ctx context.Context, project *model.Project, rev *Revision) (*model.Change, bool, error) {
	revID := string(rev.ID)
	message, err := p.client.CommitMessage(ctx, revID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch commit message of D%s: %w", revID, err)
	}
	label := provider.Truncate(fmt.Sprintf("D%s: %s", revID, rev.Title), 128)

	var change *model.Change
	var created bool
	err = p.withMapping(ctx, model.KindChange, revID, func(q store.Querier, id string, isNew bool) error {
		created = isNew
		if isNew {
			change = &model.Change{
				ID:           id,
				ProjectID:    project.ID,
				RepositoryID: project.RepositoryID,
				DateCreated:  rev.DateCreated.Time(),
			}
		} else {
			existing, err := q.GetChange(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: change %s for D%s is missing: %v", remote.ErrIntegrity, id, revID, err)
			}
			change = existing
		}
		change.Label = label
		change.Message = message
		change.DateModified = rev.DateModified.Time()
		return q.SaveChange(ctx, change)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		p.log.Info("[Phabricator] new change %s for D%s", change.ID, revID)
	}
	return change, created, nil
}

// SyncDiffList syncs every diff of change's revision, oldest first. An
// empty revisionID is looked up from the change's mapping.
func (p *Poller) SyncDiffList(ctx context.Context, change *model.Change, revisionID string) ([]Synced[*model.Patch], error) {
	if revisionID == "" {
		m, err := p.remotes.FindByInternal(ctx, p.store, model.KindChange, change.ID, Name)
		if errors.Is(err, store.ErrNotFound) {
			return nil, provider.Unrecoverablef("change %s has no phabricator revision", change.ID)
		}
		if err != nil {
			return nil, err
		}
		revisionID = m.RemoteID
	}

	diffs, err := p.client.QueryDiffs(ctx, revisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query diffs of D%s: %w", revisionID, err)
	}
	keys := make([]string, 0, len(diffs))
	for k := range diffs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return numericLess(keys[i], keys[j]) })

	out := make([]Synced[*model.Patch], 0, len(keys))
	for _, k := range keys {
		d := diffs[k]
		patch, created, err := p.SyncDiff(ctx, change, &d)
		if err != nil {
			return nil, err
		}
		out = append(out, Synced[*model.Patch]{Entity: patch, Created: created})
	}
	return out, nil
}

// SyncDiff creates the patch for one diff. Existing patches are returned
// unchanged.
func (p *Poller) SyncDiff(ctx context.Context, change *model.Change, diff *Diff) (*model.Patch, bool, error) {
	diffID := string(diff.ID)
	var patch *model.Patch
	var created bool
	err := p.withMapping(ctx, model.KindPatch, diffID, func(q store.Querier, id string, isNew bool) error {
		created = isNew
		if !isNew {
			existing, err := q.GetPatch(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: patch %s for diff %s is missing: %v", remote.ErrIntegrity, id, diffID, err)
			}
			patch = existing
			return nil
		}

		desc := diff.Description
		if desc == "" {
			desc = "Initial"
		}
		patch = &model.Patch{
			ID:                id,
			ChangeID:          change.ID,
			ProjectID:         change.ProjectID,
			RepositoryID:      change.RepositoryID,
			ParentRevisionSHA: diff.SourceControlBaseRevision,
			Label:             provider.Truncate(fmt.Sprintf("Diff ID %s: %s", diffID, desc), 64),
			Message:           diff.Description,
			DateCreated:       diff.DateCreated.Time(),
		}
		if patch.DateCreated.IsZero() {
			patch.DateCreated = time.Now().UTC()
		}
		return q.SavePatch(ctx, patch)
	})
	if err != nil {
		return nil, false, err
	}
	return patch, created, nil
}

// withMapping runs fn in a transaction with the mapped internal id, binding
// a new id when the remote record is unseen. A lost insert race is replayed
// once.
func (p *Poller) withMapping(ctx context.Context, kind, remoteID string, fn func(q store.Querier, id string, created bool) error) error {
	for attempt := 0; ; attempt++ {
		err := p.store.InTx(ctx, func(q store.Querier) error {
			m, err := p.remotes.Find(ctx, q, kind, remoteID, Name)
			switch {
			case err == nil:
				return fn(q, m.InternalID, false)
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
			id := model.NewID()
			if err := fn(q, id, true); err != nil {
				return err
			}
			_, err = p.remotes.Bind(ctx, q, kind, id, remoteID, Name, nil)
			return err
		})
		if attempt == 0 && errors.Is(err, store.ErrDuplicate) {
			continue
		}
		return err
	}
}

func numericLess(a, b string) bool {
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return x < y
}
