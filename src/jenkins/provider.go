package jenkins

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"changes-agent/src/aggregate"
	"changes-agent/src/logger"
	"changes-agent/src/model"
	"changes-agent/src/provider"
	"changes-agent/src/reconcile"
	"changes-agent/src/sanitize"
	"changes-agent/src/store"
)

// Name is the provider name used in remote mappings.
const Name = "jenkins"

// ParamBuildID carries the job id into builds we request.
const ParamBuildID = "CHANGES_BID"

var tokens = reconcile.Tokens{Success: "SUCCESS", Failure: "FAILURE"}

// Options tunes the provider.
type Options struct {
	// ListLimit is the number of recent builds SyncBuildList looks at.
	ListLimit int
	// DownstreamLimit bounds the builds scanned per downstream job.
	DownstreamLimit int
}

// Provider implements provider.Provider for Jenkins.
//
// A Jenkins build is a job. The build itself is one phase with one step;
// each configured downstream job adds a phase whose steps are the builds
// it triggered.
type Provider struct {
	client *Client
	engine *reconcile.Engine
	agg    *aggregate.Aggregator
	log    logger.Logger
	opts   Options
	now    func() time.Time
}

// NewProvider creates a Jenkins provider.
func NewProvider(client *Client, engine *reconcile.Engine, agg *aggregate.Aggregator, log logger.Logger, opts Options) *Provider {
	if opts.ListLimit <= 0 {
		opts.ListLimit = 25
	}
	if opts.DownstreamLimit <= 0 {
		opts.DownstreamLimit = 50
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

func (p *Provider) Name() string {
	return Name
}

// SyncBuildList creates jobs for recent builds of the project's Jenkins
// job. Builds carrying ParamBuildID were requested by CreateBuild and are
// skipped.
func (p *Provider) SyncBuildList(ctx context.Context, project *model.Project) ([]*model.Job, error) {
	q := p.engine.Store()
	pr, err := provider.ProjectRemote(ctx, q, p.engine.Remotes(), Name, project)
	if err != nil {
		return nil, err
	}
	jobName := pr.RemoteID

	builds, err := p.client.ListBuilds(ctx, jobName, p.opts.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds of %s: %w", jobName, err)
	}

	var jobs []*model.Job
	for i := range builds {
		b := &builds[i]
		remoteID := fmt.Sprintf("%s/%d", jobName, b.Number)
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
		if b.Param(ParamBuildID) != "" {
			continue
		}

		number := strconv.Itoa(b.Number)
		data := model.Data{"job_name": jobName, "build_no": number}
		created := time.UnixMilli(b.Timestamp).UTC()
		j, err := p.engine.UpsertJob(ctx, reconcile.JobRecord{
			Ref:         reconcile.Ref{Provider: Name, RemoteID: remoteID, Data: data},
			ProjectID:   project.ID,
			Label:       fmt.Sprintf("%s #%d", jobName, b.Number),
			RevisionSHA: b.Param("REVISION"),
			Created:     &created,
			Override:    buildState(b),
			Data:        withURL(data, b.URL),
		})
		if err != nil && !errors.Is(err, reconcile.ErrFinished) {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// SyncBuildDetails resolves a queued request to its build if needed, then
// syncs the build, its downstream builds and its test report.
func (p *Provider) SyncBuildDetails(ctx context.Context, job *model.Job) (*model.Job, error) {
	m, err := provider.JobRemote(ctx, p.engine.Store(), p.engine.Remotes(), Name, job)
	if err != nil {
		return nil, err
	}
	jobName := pick(job.Data, m.Data, "job_name")
	buildNo := pick(job.Data, m.Data, "build_no")
	itemID := pick(job.Data, m.Data, "item_id")
	if jobName == "" {
		return nil, provider.Unrecoverablef("jenkins job %s has no job_name", job.ID)
	}

	data := model.Data{"job_name": jobName}
	if itemID != "" {
		data["item_id"] = itemID
	}
	rec := reconcile.JobRecord{
		Ref:     reconcile.Ref{Provider: Name, RemoteID: m.RemoteID},
		BuildID: job.BuildID,
		Data:    data,
	}

	if buildNo == "" {
		if itemID == "" {
			return nil, provider.Unrecoverablef("jenkins job %s has neither build_no nor item_id", job.ID)
		}
		item, err := p.client.GetQueueItem(ctx, itemID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch queue item %s: %w", itemID, err)
		}
		switch {
		case item.Cancelled:
			now := p.now()
			rec.Override = &reconcile.State{Status: model.StatusFinished, Result: model.ResultAborted, Started: &now, Finished: &now}
			return p.upsert(ctx, rec)
		case item.Executable == nil:
			rec.Override = &reconcile.State{Status: model.StatusQueued, Result: model.ResultUnknown}
			return p.upsert(ctx, rec)
		}
		buildNo = strconv.Itoa(item.Executable.Number)
	}
	data["build_no"] = buildNo

	b, err := p.client.GetBuild(ctx, jobName, buildNo)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s #%s: %w", jobName, buildNo, err)
	}
	withURL(data, b.URL)
	rec.Override = buildState(b)
	if sha := b.Param("REVISION"); sha != "" {
		rec.RevisionSHA = sha
	}

	if rec.Override.Status == model.StatusFinished {
		if err := p.ingestReport(ctx, job, jobName, buildNo); err != nil {
			return nil, err
		}
	}
	downstream, err := p.downstream(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := p.syncPhases(ctx, job, m.RemoteID, jobName, b, downstream); err != nil {
		return nil, err
	}
	return p.upsert(ctx, rec)
}

// downstream lists the project's downstream job names, configured as a
// comma separated "downstream" entry on the project mapping.
func (p *Provider) downstream(ctx context.Context, job *model.Job) ([]string, error) {
	pr, err := p.engine.Remotes().FindByInternal(ctx, p.engine.Store(), model.KindProject, job.ProjectID, Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitList(pr.Data["downstream"]), nil
}

func (p *Provider) upsert(ctx context.Context, rec reconcile.JobRecord) (*model.Job, error) {
	j, err := p.engine.UpsertJob(ctx, rec)
	if errors.Is(err, reconcile.ErrFinished) {
		return j, nil
	}
	return j, err
}

// CreateBuild queues a build of the project's Jenkins job and binds the
// job to the queue item.
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
	jobName := pr.RemoteID

	params := url.Values{}
	params.Set(ParamBuildID, job.ID)
	if job.RevisionSHA != "" {
		params.Set("REVISION", job.RevisionSHA)
	}
	if job.PatchID != "" {
		params.Set("CHANGES_PID", job.PatchID)
	}

	itemID, err := p.client.TriggerBuild(ctx, jobName, params)
	if err != nil {
		return nil, fmt.Errorf("failed to trigger %s: %w", jobName, err)
	}

	item := strconv.FormatInt(itemID, 10)
	var bound *model.RemoteEntity
	err = s.InTx(ctx, func(q store.Querier) error {
		var err error
		bound, err = p.engine.Remotes().Bind(ctx, q, model.KindJob, job.ID,
			fmt.Sprintf("%s/queue/%s", jobName, item), Name,
			model.Data{"job_name": jobName, "item_id": item})
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("[Jenkins] queued %s item %s for job %s", jobName, item, job.ID)
	return bound, nil
}

func (p *Provider) syncPhases(ctx context.Context, job *model.Job, jobRemoteID, jobName string, b *Build, downstream []string) error {
	cache := reconcile.NewNodeCache()

	main := stageOf(fmt.Sprintf("%s/%d", jobName, b.Number), jobName, b)
	if err := p.syncPhase(ctx, cache, job, reconcile.PhaseRemoteID(jobRemoteID, jobName), jobName,
		[]reconcile.Stage{main}, map[string]*Build{main.RemoteID: b}); err != nil {
		return err
	}

	for _, name := range downstream {
		builds, err := p.client.ListBuilds(ctx, name, p.opts.DownstreamLimit)
		if err != nil {
			return fmt.Errorf("failed to list downstream %s: %w", name, err)
		}
		var stages []reconcile.Stage
		byID := make(map[string]*Build)
		for i := range builds {
			d := &builds[i]
			if !d.TriggeredBy(jobName, b.Number) {
				continue
			}
			st := stageOf(fmt.Sprintf("%s/%d", name, d.Number), name, d)
			stages = append(stages, st)
			byID[st.RemoteID] = d
		}
		if err := p.syncPhase(ctx, cache, job, reconcile.PhaseRemoteID(jobRemoteID, name), name, stages, byID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) syncPhase(ctx context.Context, cache *reconcile.NodeCache, job *model.Job, remoteID, label string, stages []reconcile.Stage, builds map[string]*Build) error {
	var ov *reconcile.State
	if len(stages) == 1 {
		ov = buildState(builds[stages[0].RemoteID])
	}
	phase, err := p.engine.UpsertPhase(ctx, job, reconcile.PhaseRecord{
		Ref:      reconcile.Ref{Provider: Name, RemoteID: remoteID},
		Label:    label,
		Stages:   stages,
		Tokens:   tokens,
		Override: ov,
	})
	if errors.Is(err, reconcile.ErrFinished) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, st := range stages {
		var nodeID string
		if st.Node != "" {
			node, err := p.engine.EnsureNode(ctx, cache, Name, st.Node, st.Node)
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
			Override: buildState(builds[st.RemoteID]),
			NodeID:   nodeID,
		})
		if err != nil && !errors.Is(err, reconcile.ErrFinished) {
			return err
		}
	}
	return nil
}

func (p *Provider) ingestReport(ctx context.Context, job *model.Job, jobName, buildNo string) error {
	if p.agg == nil {
		return nil
	}
	report, err := p.client.GetTestReport(ctx, jobName, buildNo)
	if err != nil {
		return fmt.Errorf("failed to fetch test report of %s #%s: %w", jobName, buildNo, err)
	}
	if report == nil {
		return nil
	}
	_, err = p.agg.IngestTests(ctx, job, reportResults(report))
	return err
}

// reportResults converts a Jenkins test report.
func reportResults(r *TestReport) []model.TestResult {
	var out []model.TestResult
	for _, s := range r.Suites {
		for _, c := range s.Cases {
			tr := model.TestResult{
				Suite:    s.Name,
				Package:  c.ClassName,
				Name:     c.Name,
				Duration: int64(math.Round(c.Duration * 1000)),
			}
			switch c.Status {
			case "FAILED", "REGRESSION":
				tr.Result = model.ResultFailed
				tr.Message = sanitize.Clean(c.ErrorDetails + "\n\n" + c.ErrorStackTrace)
			case "SKIPPED":
				tr.Result = model.ResultSkipped
				tr.Message = c.SkippedMessage
			default:
				tr.Result = model.ResultPassed
			}
			out = append(out, tr)
		}
	}
	return out
}

// resultOf maps a Jenkins build result.
func resultOf(result string) model.Result {
	switch result {
	case "SUCCESS":
		return model.ResultPassed
	case "FAILURE", "UNSTABLE":
		return model.ResultFailed
	case "ABORTED":
		return model.ResultAborted
	case "NOT_BUILT":
		return model.ResultSkipped
	default:
		return model.ResultUnknown
	}
}

// buildState is the state Jenkins reports for b.
func buildState(b *Build) *reconcile.State {
	started := time.UnixMilli(b.Timestamp).UTC()
	if b.Building || b.Result == "" {
		return &reconcile.State{Status: model.StatusInProgress, Result: model.ResultUnknown, Started: &started}
	}
	finished := started.Add(time.Duration(b.Duration) * time.Millisecond)
	return &reconcile.State{
		Status:   model.StatusFinished,
		Result:   resultOf(b.Result),
		Started:  &started,
		Finished: &finished,
	}
}

func stageOf(remoteID, typ string, b *Build) reconcile.Stage {
	st := buildState(b)
	return reconcile.Stage{
		RemoteID: remoteID,
		Name:     fmt.Sprintf("%s #%d", typ, b.Number),
		Type:     typ,
		Status:   b.Result,
		Started:  st.Started,
		Finished: st.Finished,
		Node:     b.BuiltOn,
	}
}

func pick(primary, fallback model.Data, key string) string {
	if v := primary[key]; v != "" {
		return v
	}
	return fallback[key]
}

func withURL(d model.Data, u string) model.Data {
	if u != "" {
		d["url"] = u
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
