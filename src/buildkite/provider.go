package buildkite

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"changes-agent/src/aggregate"
	"changes-agent/src/junit"
	"changes-agent/src/logger"
	"changes-agent/src/model"
	"changes-agent/src/provider"
	"changes-agent/src/reconcile"
	"changes-agent/src/store"
)

// Name is the provider name used in remote mappings.
const Name = "buildkite"

// metaJobID marks builds requested through CreateBuild.
const metaJobID = "changes_job_id"

var tokens = reconcile.Tokens{Success: "passed", Failure: "failed"}

// Options tunes the provider.
type Options struct {
	// ListLimit is the number of recent builds SyncBuildList looks at.
	ListLimit int
	// ArtifactPattern matches the base name of JUnit report artifacts.
	ArtifactPattern string
	// DefaultBranch is used by CreateBuild when the project mapping has no
	// "branch" entry.
	DefaultBranch string
}

// Provider implements provider.Provider for Buildkite.
//
// A Buildkite build is a job. Its script jobs are stages: one phase per
// step key and one step per Buildkite job, with the agent as node.
type Provider struct {
	client *Client
	engine *reconcile.Engine
	agg    *aggregate.Aggregator
	log    logger.Logger
	opts   Options
}

// NewProvider creates a Buildkite provider.
func NewProvider(client *Client, engine *reconcile.Engine, agg *aggregate.Aggregator, log logger.Logger, opts Options) *Provider {
	if opts.ListLimit <= 0 {
		opts.ListLimit = 50
	}
	if opts.ArtifactPattern == "" {
		opts.ArtifactPattern = "junit*.xml"
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &Provider{client: client, engine: engine, agg: agg, log: log, opts: opts}
}

// Name returns "buildkite"
func (p *Provider) Name() string {
	return Name
}

// SyncBuildList creates jobs for recent builds of the project's pipeline.
// Builds already known are returned as stored; their details are left to
// SyncBuildDetails.
func (p *Provider) SyncBuildList(ctx context.Context, project *model.Project) ([]*model.Job, error) {
	q := p.engine.Store()
	pr, err := provider.ProjectRemote(ctx, q, p.engine.Remotes(), Name, project)
	if err != nil {
		return nil, err
	}
	org, pipeline, err := splitPipeline(pr.RemoteID)
	if err != nil {
		return nil, err
	}

	builds, err := p.client.ListBuilds(ctx, org, pipeline, p.opts.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds of %s/%s: %w", org, pipeline, err)
	}

	jobs := make([]*model.Job, 0, len(builds))
	for i := range builds {
		b := &builds[i]
		m, err := p.engine.Remotes().Find(ctx, q, model.KindJob, b.ID, Name)
		switch {
		case err == nil:
			j, err := q.GetJob(ctx, m.InternalID)
			if err != nil {
				return nil, fmt.Errorf("failed to load job %s: %w", m.InternalID, err)
			}
			jobs = append(jobs, j)
			continue
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		if b.MetaData[metaJobID] != "" {
			// Requested by CreateBuild, which binds it.
			continue
		}

		j, err := p.engine.UpsertJob(ctx, p.record(project.ID, org, pipeline, b))
		if err != nil && !errors.Is(err, reconcile.ErrFinished) {
			return nil, err
		}
		p.log.Debug("[Buildkite] discovered build %s/%s#%d as job %s", org, pipeline, b.Number, j.ID)
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// SyncBuildDetails pulls one build and upserts its phases, steps and job.
// Test reports are ingested before the job is marked finished so a failed
// ingestion is retried with the job.
func (p *Provider) SyncBuildDetails(ctx context.Context, job *model.Job) (*model.Job, error) {
	m, err := provider.JobRemote(ctx, p.engine.Store(), p.engine.Remotes(), Name, job)
	if err != nil {
		return nil, err
	}
	org, pipeline, number := m.Data["org"], m.Data["pipeline"], m.Data["number"]
	if org == "" || pipeline == "" || number == "" {
		return nil, provider.Unrecoverablef("buildkite mapping for job %s lacks org, pipeline or number", job.ID)
	}

	b, err := p.client.GetBuild(ctx, org, pipeline, number)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch build %s/%s#%s: %w", org, pipeline, number, err)
	}

	rec := p.record(job.ProjectID, org, pipeline, b)
	rec.BuildID = job.BuildID

	if st := reconcile.Resolve(rec.Stages, rec.Tokens, rec.Override); st.Status == model.StatusFinished {
		if err := p.ingestArtifacts(ctx, job, org, pipeline, number, b); err != nil {
			return nil, err
		}
	}
	if err := p.syncPhases(ctx, job, m.RemoteID, b, rec.Stages, rec.Override); err != nil {
		return nil, err
	}

	updated, err := p.engine.UpsertJob(ctx, rec)
	if errors.Is(err, reconcile.ErrFinished) {
		return updated, nil
	}
	return updated, err
}

// CreateBuild requests a build of job's revision on the project's pipeline.
func (p *Provider) CreateBuild(ctx context.Context, job *model.Job, project *model.Project) (*model.RemoteEntity, error) {
	s := p.engine.Store()
	existing, err := p.engine.Remotes().FindByInternal(ctx, s, model.KindJob, job.ID, Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pr, err := provider.ProjectRemote(ctx, s, p.engine.Remotes(), Name, project)
	if err != nil {
		return nil, err
	}
	org, pipeline, err := splitPipeline(pr.RemoteID)
	if err != nil {
		return nil, err
	}
	branch := pr.Data["branch"]
	if branch == "" {
		branch = p.opts.DefaultBranch
	}
	commit := job.RevisionSHA
	if commit == "" {
		commit = "HEAD"
	}

	b, err := p.client.CreateBuild(ctx, org, pipeline, CreateBuildRequest{
		Commit:   commit,
		Branch:   branch,
		Message:  job.Label,
		MetaData: map[string]string{metaJobID: job.ID},
		Env:      map[string]string{"CHANGES_JOB_ID": job.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create build on %s/%s: %w", org, pipeline, err)
	}

	var bound *model.RemoteEntity
	err = s.InTx(ctx, func(q store.Querier) error {
		var err error
		bound, err = p.engine.Remotes().Bind(ctx, q, model.KindJob, job.ID, b.ID, Name, buildData(org, pipeline, b))
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("[Buildkite] created build %s/%s#%d for job %s", org, pipeline, b.Number, job.ID)
	return bound, nil
}

func (p *Provider) record(projectID, org, pipeline string, b *Build) reconcile.JobRecord {
	label := provider.FirstLine(b.Message, 128)
	if label == "" {
		label = b.Commit
	}
	stages := stagesOf(b)
	return reconcile.JobRecord{
		Ref:         reconcile.Ref{Provider: Name, RemoteID: b.ID, Data: buildData(org, pipeline, b)},
		ProjectID:   projectID,
		Label:       label,
		RevisionSHA: b.Commit,
		Created:     &b.CreatedAt,
		Stages:      stages,
		Tokens:      tokens,
		Override:    override(b, stages),
		Data: model.Data{
			"web_url": b.WebURL,
			"branch":  b.Branch,
			"state":   b.State,
		},
	}
}

// syncPhases upserts one phase per step key. ov, the build-level override,
// also closes phases and steps the build left unfinished.
func (p *Provider) syncPhases(ctx context.Context, job *model.Job, remoteBuildID string, b *Build, stages []reconcile.Stage, ov *reconcile.State) error {
	agents := make(map[string]string)
	for _, j := range b.Jobs {
		if j.Agent != nil {
			agents[j.Agent.ID] = j.Agent.Name
		}
	}

	cache := reconcile.NewNodeCache()
	order, groups := reconcile.GroupByType(stages)
	for _, typ := range order {
		phase, err := p.engine.UpsertPhase(ctx, job, reconcile.PhaseRecord{
			Ref:      reconcile.Ref{Provider: Name, RemoteID: reconcile.PhaseRemoteID(remoteBuildID, typ)},
			Label:    typ,
			Stages:   groups[typ],
			Tokens:   tokens,
			Override: unfinished(groups[typ], ov),
		})
		if errors.Is(err, reconcile.ErrFinished) {
			continue
		}
		if err != nil {
			return err
		}

		for _, st := range groups[typ] {
			var nodeID string
			if st.Node != "" {
				node, err := p.engine.EnsureNode(ctx, cache, Name, st.Node, agents[st.Node])
				if err != nil {
					return err
				}
				nodeID = node.ID
			}
			_, err := p.engine.UpsertStep(ctx, phase, reconcile.StepRecord{
				Ref:      reconcile.Ref{Provider: Name, RemoteID: st.RemoteID},
				Label:    st.Name,
				Stage:    st,
				Tokens:   tokens,
				Override: unfinished([]reconcile.Stage{st}, ov),
				NodeID:   nodeID,
			})
			if err != nil && !errors.Is(err, reconcile.ErrFinished) {
				return err
			}
		}
	}
	return nil
}

func (p *Provider) ingestArtifacts(ctx context.Context, job *model.Job, org, pipeline, number string, b *Build) error {
	if p.agg == nil {
		return nil
	}
	for _, bj := range b.Jobs {
		if bj.Type != "script" {
			continue
		}
		artifacts, err := p.client.GetJobArtifacts(ctx, org, pipeline, number, bj.ID)
		if err != nil {
			return fmt.Errorf("failed to list artifacts of %s: %w", bj.ID, err)
		}
		for _, a := range artifacts {
			if ok, _ := path.Match(p.opts.ArtifactPattern, path.Base(a.Path)); !ok {
				continue
			}
			data, err := p.client.DownloadArtifact(ctx, a.DownloadURL)
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", a.Path, err)
			}
			results, err := junit.ParseResults(data)
			if err != nil {
				p.log.Warn("[Buildkite] skipping unreadable report %s: %v", a.Path, err)
				continue
			}
			if _, err := p.agg.IngestTests(ctx, job, results); err != nil {
				return err
			}
		}
	}
	return nil
}

func stagesOf(b *Build) []reconcile.Stage {
	var stages []reconcile.Stage
	for _, j := range b.Jobs {
		if j.Type != "script" {
			continue
		}
		switch j.State {
		case "broken", "skipped", "not_run":
			continue
		}
		typ := j.StepKey
		if typ == "" {
			typ = j.Name
		}
		st := reconcile.Stage{
			RemoteID: j.ID,
			Name:     j.Name,
			Type:     typ,
			Status:   j.State,
			Started:  j.StartedAt,
			Finished: j.FinishedAt,
		}
		if j.Agent != nil {
			st.Node = j.Agent.ID
		}
		stages = append(stages, st)
	}
	return stages
}

// override reports terminal build states that stage inference cannot see:
// cancelled builds, and finished builds without script jobs.
func override(b *Build, stages []reconcile.Stage) *reconcile.State {
	if b.FinishedAt == nil {
		return nil
	}
	var result model.Result
	switch {
	case b.State == "canceled":
		result = model.ResultAborted
	case b.State == "skipped" || b.State == "not_run":
		result = model.ResultSkipped
	case len(stages) == 0 && b.State == "passed":
		result = model.ResultPassed
	case len(stages) == 0:
		result = model.ResultFailed
	default:
		return nil
	}

	started := b.StartedAt
	if started == nil {
		started = b.FinishedAt
	}
	return &reconcile.State{
		Status:   model.StatusFinished,
		Result:   result,
		Started:  started,
		Finished: b.FinishedAt,
	}
}

// unfinished returns ov if any of stages has not finished.
func unfinished(stages []reconcile.Stage, ov *reconcile.State) *reconcile.State {
	if ov == nil || reconcile.EndTime(stages) != nil {
		return nil
	}
	return ov
}

func buildData(org, pipeline string, b *Build) model.Data {
	d := model.Data{
		"org":      org,
		"pipeline": pipeline,
		"number":   strconv.Itoa(b.Number),
	}
	if b.WebURL != "" {
		d["url"] = b.WebURL
	}
	return d
}

// splitPipeline parses a project's "org/pipeline" remote id.
func splitPipeline(remoteID string) (string, string, error) {
	org, pipeline, ok := strings.Cut(remoteID, "/")
	if !ok || org == "" || pipeline == "" {
		return "", "", provider.Unrecoverablef("buildkite project id %q is not org/pipeline", remoteID)
	}
	return org, pipeline, nil
}
