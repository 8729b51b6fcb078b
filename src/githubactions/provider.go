package githubactions

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"changes-agent/src/aggregate"
	"changes-agent/src/junit"
	"changes-agent/src/logger"
	"changes-agent/src/model"
	"changes-agent/src/provider"
	"changes-agent/src/reconcile"
	"changes-agent/src/store"
)

// Name is the provider name used in remote mappings.
const Name = "github"

const (
	eventDispatch = "workflow_dispatch"
	// dataDispatched is set on a job once its workflow was dispatched.
	dataDispatched = "github_dispatched_at"
	// dispatchSkew tolerates clock drift between us and GitHub.
	dispatchSkew = time.Minute
)

var tokens = reconcile.Tokens{Success: "success", Failure: "failure"}

// Options tunes the provider.
type Options struct {
	// ListLimit is the number of recent runs SyncBuildList looks at.
	ListLimit int
	// ArtifactPattern matches the names of artifacts holding JUnit reports.
	ArtifactPattern string
	// DefaultWorkflow is used when the project mapping has no "workflow".
	DefaultWorkflow string
	// DefaultRef is dispatched when the project mapping has no "ref".
	DefaultRef string
}

// Provider implements provider.Provider for GitHub Actions.
//
// A workflow run is a job. Workflow jobs are its phases and their steps
// are steps.
type Provider struct {
	client *Client
	engine *reconcile.Engine
	agg    *aggregate.Aggregator
	log    logger.Logger
	opts   Options
	now    func() time.Time
}

// NewProvider creates a GitHub Actions provider
func NewProvider(client *Client, engine *reconcile.Engine, agg *aggregate.Aggregator, log logger.Logger, opts Options) *Provider {
	if opts.ListLimit <= 0 {
		opts.ListLimit = 30
	}
	if opts.ArtifactPattern == "" {
		opts.ArtifactPattern = "*test-results*"
	}
	if opts.DefaultWorkflow == "" {
		opts.DefaultWorkflow = "ci.yml"
	}
	if opts.DefaultRef == "" {
		opts.DefaultRef = "main"
	}
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &Provider{
		client: client,
		engine: engine,
		agg:    agg,
		log:    log,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name returns "github"
func (p *Provider) Name() string {
	return Name
}

type repoRef struct {
	owner, repo, workflow, ref string
}

func (p *Provider) projectRepo(ctx context.Context, project *model.Project) (repoRef, error) {
	pr, err := provider.ProjectRemote(ctx, p.engine.Store(), p.engine.Remotes(), Name, project)
	if err != nil {
		return repoRef{}, err
	}
	owner, repo, ok := strings.Cut(pr.RemoteID, "/")
	if !ok || owner == "" || repo == "" {
		return repoRef{}, provider.Unrecoverablef("github project id %q is not owner/repo", pr.RemoteID)
	}
	r := repoRef{owner: owner, repo: repo, workflow: pr.Data["workflow"], ref: pr.Data["ref"]}
	if r.workflow == "" {
		r.workflow = p.opts.DefaultWorkflow
	}
	if r.ref == "" {
		r.ref = p.opts.DefaultRef
	}
	return r, nil
}

// SyncBuildList creates jobs for recent runs of the project's workflow.
// Dispatched runs are skipped; CreateBuild binds those.
func (p *Provider) SyncBuildList(ctx context.Context, project *model.Project) ([]*model.Job, error) {
	r, err := p.projectRepo(ctx, project)
	if err != nil {
		return nil, err
	}
	runs, err := p.client.ListWorkflowRuns(ctx, r.owner, r.repo, r.workflow, RunFilter{PerPage: p.opts.ListLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs of %s/%s: %w", r.owner, r.repo, err)
	}

	q := p.engine.Store()
	var jobs []*model.Job
	for i := range runs {
		run := &runs[i]
		remoteID := strconv.FormatInt(run.ID, 10)
		m, err := p.engine.Remotes().Find(ctx, q, model.KindJob, remoteID, Name)
		if err == nil {
			j, err := q.GetJob(ctx, m.InternalID)
			if err != nil {
				return nil, fmt.Errorf("failed to load job %s: %w", m.InternalID, err)
			}
			jobs = append(jobs, j)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if run.Event == eventDispatch {
			continue
		}

		j, err := p.engine.UpsertJob(ctx, p.record(project.ID, r, run, nil))
		if err != nil && !errors.Is(err, reconcile.ErrFinished) {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// SyncBuildDetails pulls one run with its jobs and steps.
func (p *Provider) SyncBuildDetails(ctx context.Context, job *model.Job) (*model.Job, error) {
	m, err := provider.JobRemote(ctx, p.engine.Store(), p.engine.Remotes(), Name, job)
	if err != nil {
		return nil, err
	}
	r := repoRef{owner: m.Data["owner"], repo: m.Data["repo"]}
	if r.owner == "" || r.repo == "" {
		return nil, provider.Unrecoverablef("github mapping for job %s lacks owner or repo", job.ID)
	}

	run, err := p.client.GetWorkflowRun(ctx, r.owner, r.repo, m.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", m.RemoteID, err)
	}
	wfJobs, err := p.client.GetWorkflowJobs(ctx, r.owner, r.repo, m.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs of run %s: %w", m.RemoteID, err)
	}

	rec := p.record(job.ProjectID, r, run, wfJobs)
	rec.BuildID = job.BuildID

	if st := reconcile.Resolve(rec.Stages, rec.Tokens, rec.Override); st.Status == model.StatusFinished {
		if err := p.ingestArtifacts(ctx, job, r, m.RemoteID); err != nil {
			return nil, err
		}
	}
	if err := p.syncPhases(ctx, job, wfJobs, rec.Override); err != nil {
		return nil, err
	}

	updated, err := p.engine.UpsertJob(ctx, rec)
	if errors.Is(err, reconcile.ErrFinished) {
		return updated, nil
	}
	return updated, err
}

// CreateBuild dispatches the project's workflow for job's revision and
// binds the run it starts. The dispatch is recorded on the job so a retry
// only looks for the run again.
func (p *Provider) CreateBuild(ctx context.Context, job *model.Job, project *model.Project) (*model.RemoteEntity, error) {
	s := p.engine.Store()
	existing, err := p.engine.Remotes().FindByInternal(ctx, s, model.KindJob, job.ID, Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if job.RevisionSHA == "" {
		return nil, provider.Unrecoverablef("job %s has no revision to dispatch", job.ID)
	}

	r, err := p.projectRepo(ctx, project)
	if err != nil {
		return nil, err
	}

	stored, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", job.ID, err)
	}
	dispatched, err := time.Parse(time.RFC3339, stored.Data[dataDispatched])
	if err != nil {
		dispatched = p.now()
		err = p.client.DispatchWorkflow(ctx, r.owner, r.repo, r.workflow, DispatchRequest{
			Ref:    r.ref,
			Inputs: map[string]string{"changes_job_id": job.ID, "revision": job.RevisionSHA},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to dispatch %s on %s/%s: %w", r.workflow, r.owner, r.repo, err)
		}
		if stored.Data == nil {
			stored.Data = model.Data{}
		}
		stored.Data[dataDispatched] = dispatched.Format(time.RFC3339)
		if err := s.SaveJob(ctx, stored); err != nil {
			return nil, err
		}
	}

	run, err := p.resolveRun(ctx, r, job.RevisionSHA, dispatched)
	if err != nil {
		return nil, err
	}

	var bound *model.RemoteEntity
	err = s.InTx(ctx, func(q store.Querier) error {
		var err error
		bound, err = p.engine.Remotes().Bind(ctx, q, model.KindJob, job.ID, strconv.FormatInt(run.ID, 10), Name, runData(r, run))
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("[GitHub] dispatched run %d on %s/%s for job %s", run.ID, r.owner, r.repo, job.ID)
	return bound, nil
}

// resolveRun finds the oldest unmapped dispatched run for sha created after
// the dispatch. Not finding one is transient: GitHub lists new runs late.
func (p *Provider) resolveRun(ctx context.Context, r repoRef, sha string, since time.Time) (*WorkflowRun, error) {
	runs, err := p.client.ListWorkflowRuns(ctx, r.owner, r.repo, r.workflow, RunFilter{HeadSHA: sha, Event: eventDispatch})
	if err != nil {
		return nil, fmt.Errorf("failed to look up dispatched run: %w", err)
	}
	for i := len(runs) - 1; i >= 0; i-- {
		run := &runs[i]
		if run.CreatedAt.Before(since.Add(-dispatchSkew)) {
			continue
		}
		_, err := p.engine.Remotes().Find(ctx, p.engine.Store(), model.KindJob, strconv.FormatInt(run.ID, 10), Name)
		if errors.Is(err, store.ErrNotFound) {
			return run, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("dispatched run for %s on %s/%s is not visible yet", sha, r.owner, r.repo)
}

func (p *Provider) record(projectID string, r repoRef, run *WorkflowRun, wfJobs []WorkflowJob) reconcile.JobRecord {
	label := provider.FirstLine(run.DisplayTitle, 128)
	if label == "" {
		label = run.Name
	}
	stages := jobStages(wfJobs)
	created := run.CreatedAt
	return reconcile.JobRecord{
		Ref:         reconcile.Ref{Provider: Name, RemoteID: strconv.FormatInt(run.ID, 10), Data: runData(r, run)},
		ProjectID:   projectID,
		Label:       label,
		RevisionSHA: run.HeadSHA,
		Created:     &created,
		Stages:      stages,
		Tokens:      tokens,
		Override:    runOverride(run, stages),
		Data: model.Data{
			"html_url": run.HTMLURL,
			"branch":   run.HeadBranch,
			"event":    run.Event,
		},
	}
}

func (p *Provider) syncPhases(ctx context.Context, job *model.Job, wfJobs []WorkflowJob, ov *reconcile.State) error {
	cache := reconcile.NewNodeCache()
	for _, wj := range wfJobs {
		phaseID := strconv.FormatInt(wj.ID, 10)
		steps := stepStages(phaseID, wj)
		stages := steps
		if len(stages) == 0 {
			stages = []reconcile.Stage{jobStage(wj)}
		}

		phaseOv := closing(stages, ov)
		if wj.Conclusion == "skipped" {
			phaseOv = skipped(wj.CompletedAt)
		}
		phase, err := p.engine.UpsertPhase(ctx, job, reconcile.PhaseRecord{
			Ref:      reconcile.Ref{Provider: Name, RemoteID: phaseID},
			Label:    wj.Name,
			Stages:   countable(stages),
			Tokens:   tokens,
			Override: phaseOv,
		})
		if errors.Is(err, reconcile.ErrFinished) {
			continue
		}
		if err != nil {
			return err
		}

		var nodeID string
		if wj.RunnerID != 0 {
			node, err := p.engine.EnsureNode(ctx, cache, Name, strconv.FormatInt(wj.RunnerID, 10), wj.RunnerName)
			if err != nil {
				return err
			}
			nodeID = node.ID
		}
		for _, st := range steps {
			stepOv := closing([]reconcile.Stage{st}, ov)
			if st.Status == "skipped" {
				stepOv = skipped(st.Finished)
			}
			_, err := p.engine.UpsertStep(ctx, phase, reconcile.StepRecord{
				Ref:      reconcile.Ref{Provider: Name, RemoteID: st.RemoteID},
				Label:    st.Name,
				Stage:    st,
				Tokens:   tokens,
				Override: stepOv,
				NodeID:   nodeID,
			})
			if err != nil && !errors.Is(err, reconcile.ErrFinished) {
				return err
			}
		}
	}
	return nil
}

func (p *Provider) ingestArtifacts(ctx context.Context, job *model.Job, r repoRef, runID string) error {
	if p.agg == nil {
		return nil
	}
	artifacts, err := p.client.GetArtifacts(ctx, r.owner, r.repo, runID)
	if err != nil {
		return fmt.Errorf("failed to list artifacts of run %s: %w", runID, err)
	}
	for _, a := range artifacts {
		if a.Expired {
			continue
		}
		if ok, _ := path.Match(p.opts.ArtifactPattern, a.Name); !ok {
			continue
		}
		files, err := p.client.DownloadArtifact(ctx, a.ArchiveDownloadURL)
		if err != nil {
			return fmt.Errorf("failed to download artifact %s: %w", a.Name, err)
		}
		for name, data := range files {
			if path.Ext(name) != ".xml" {
				continue
			}
			results, err := junit.ParseResults(data)
			if err != nil {
				p.log.Warn("[GitHub] skipping unreadable report %s/%s: %v", a.Name, name, err)
				continue
			}
			if _, err := p.agg.IngestTests(ctx, job, results); err != nil {
				return err
			}
		}
	}
	return nil
}

// status is the stage status for a GitHub status/conclusion pair.
func status(st, conclusion string) string {
	if st == "completed" {
		return conclusion
	}
	return st
}

func jobStage(wj WorkflowJob) reconcile.Stage {
	st := reconcile.Stage{
		RemoteID: strconv.FormatInt(wj.ID, 10),
		Name:     wj.Name,
		Type:     wj.Name,
		Status:   status(wj.Status, wj.Conclusion),
		Started:  wj.StartedAt,
		Finished: wj.CompletedAt,
	}
	if wj.Status != "completed" {
		st.Finished = nil
	}
	if wj.RunnerID != 0 {
		st.Node = strconv.FormatInt(wj.RunnerID, 10)
	}
	return st
}

func jobStages(wfJobs []WorkflowJob) []reconcile.Stage {
	stages := make([]reconcile.Stage, 0, len(wfJobs))
	for _, wj := range wfJobs {
		stages = append(stages, jobStage(wj))
	}
	return countable(stages)
}

func stepStages(phaseRemoteID string, wj WorkflowJob) []reconcile.Stage {
	stages := make([]reconcile.Stage, 0, len(wj.Steps))
	for _, s := range wj.Steps {
		st := reconcile.Stage{
			RemoteID: phaseRemoteID + ":" + strconv.Itoa(s.Number),
			Name:     s.Name,
			Type:     wj.Name,
			Status:   status(s.Status, s.Conclusion),
			Started:  s.StartedAt,
			Finished: s.CompletedAt,
		}
		if s.Status != "completed" {
			st.Finished = nil
		}
		stages = append(stages, st)
	}
	return stages
}

// countable drops skipped stages, which say nothing about the outcome.
func countable(stages []reconcile.Stage) []reconcile.Stage {
	out := stages[:0:0]
	for _, st := range stages {
		if st.Status != "skipped" {
			out = append(out, st)
		}
	}
	return out
}

func skipped(at *time.Time) *reconcile.State {
	return &reconcile.State{Status: model.StatusFinished, Result: model.ResultSkipped, Started: at, Finished: at}
}

// closing returns ov if any of stages has not finished.
func closing(stages []reconcile.Stage, ov *reconcile.State) *reconcile.State {
	if ov == nil || reconcile.EndTime(stages) != nil {
		return nil
	}
	return ov
}

// runOverride reports completed runs whose outcome stage inference cannot
// see: cancellations, timeouts and runs without countable jobs.
func runOverride(run *WorkflowRun, stages []reconcile.Stage) *reconcile.State {
	if run.Status != "completed" {
		return nil
	}
	var result model.Result
	switch {
	case run.Conclusion == "cancelled":
		result = model.ResultAborted
	case run.Conclusion == "timed_out":
		result = model.ResultTimedOut
	case run.Conclusion == "skipped":
		result = model.ResultSkipped
	case len(stages) == 0 && run.Conclusion == "success":
		result = model.ResultPassed
	case len(stages) == 0:
		result = model.ResultFailed
	default:
		return nil
	}

	finished := run.UpdatedAt
	started := run.RunStartedAt
	if started == nil {
		started = &finished
	}
	return &reconcile.State{
		Status:   model.StatusFinished,
		Result:   result,
		Started:  started,
		Finished: &finished,
	}
}

func runData(r repoRef, run *WorkflowRun) model.Data {
	d := model.Data{
		"owner":  r.owner,
		"repo":   r.repo,
		"number": strconv.Itoa(run.RunNumber),
	}
	if run.HTMLURL != "" {
		d["url"] = run.HTMLURL
	}
	return d
}
