package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changes-agent/src/aggregate"
	"changes-agent/src/contracts"
	"changes-agent/src/logger"
	"changes-agent/src/metrics"
	"changes-agent/src/model"
	"changes-agent/src/provider"
	"changes-agent/src/reconcile"
	"changes-agent/src/remote"
)

// Options tunes the sync loop.
type Options struct {
	// PollInterval is the delay before an unfinished job is synced again.
	PollInterval time.Duration
	// RetryDelay is the delay before a transient failure is retried.
	RetryDelay time.Duration
	// MaxRetries bounds retries of one task; the entity is aborted after.
	MaxRetries int
	// CheckBuilds is how long a build may go unmodified before the sweep
	// syncs it again.
	CheckBuilds time.Duration
	// ExpireBuilds is the age after which the sweep aborts a build.
	ExpireBuilds time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 5 * time.Second,
		RetryDelay:   60 * time.Second,
		MaxRetries:   5,
		CheckBuilds:  5 * time.Minute,
		ExpireBuilds: 6 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.CheckBuilds <= 0 {
		o.CheckBuilds = def.CheckBuilds
	}
	if o.ExpireBuilds <= 0 {
		o.ExpireBuilds = def.ExpireBuilds
	}
	return o
}

// argSignal names the signal of a notify_listeners task.
const argSignal = "signal"

// Handlers implements the sync tasks. It is the only place adapter errors
// are classified: unrecoverable errors abort the entity, data-integrity
// errors are returned to the worker, anything else is retried.
type Handlers struct {
	providers *provider.Registry
	engine    *reconcile.Engine
	agg       *aggregate.Aggregator
	queue     *Queue
	log       logger.Logger
	opts      Options
	now       func() time.Time
}

func NewHandlers(providers *provider.Registry, engine *reconcile.Engine, agg *aggregate.Aggregator, queue *Queue, log logger.Logger, opts Options) *Handlers {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &Handlers{
		providers: providers,
		engine:    engine,
		agg:       agg,
		queue:     queue,
		log:       log,
		opts:      opts.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register adds every task handler to w. Sync tasks hold the entity lock.
func (h *Handlers) Register(w *Worker) {
	w.Handle(TaskSyncJob, h.SyncJob, true)
	w.Handle(TaskSyncBuild, h.SyncBuild, true)
	w.Handle(TaskCreateJob, h.CreateJob, true)
	w.Handle(TaskNotifyListeners, h.NotifyListeners, false)
}

// SyncJob pulls the remote state of one job and schedules what follows:
// another poll while it runs, a retry after a transient failure, or the
// finish notifications once it is done.
func (h *Handlers) SyncJob(ctx context.Context, msg contracts.TaskMessage) error {
	s := h.engine.Store()
	job, err := s.GetJob(ctx, msg.EntityID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", msg.EntityID, err)
	}
	if job.IsFinished() {
		h.log.Debug("[SyncJob] job %s already finished", job.ID)
		return h.finishJob(ctx, job)
	}

	p, err := h.providers.Lookup(job.Provider)
	if err != nil {
		return h.abortJob(ctx, job, "unrecoverable", provider.Unrecoverable(err))
	}

	prevStatus, prevResult := job.Status, job.Result
	synced, err := p.SyncBuildDetails(ctx, job)
	switch {
	case err == nil:
	case provider.IsUnrecoverable(err):
		metrics.ProviderErrors.WithLabelValues(job.Provider, "unrecoverable").Inc()
		return h.abortJob(ctx, job, "unrecoverable", err)
	case errors.Is(err, remote.ErrIntegrity):
		return err
	default:
		metrics.ProviderErrors.WithLabelValues(job.Provider, "transient").Inc()
		return h.retryJob(ctx, msg, job, err)
	}

	if synced.IsFinished() {
		return h.finishJob(ctx, synced)
	}

	// A running job that starts failing fails its build early.
	if synced.Status != prevStatus || synced.Result != prevResult {
		if err := h.updateFamily(ctx, synced.BuildID, synced.ID); err != nil {
			return err
		}
	}
	return h.queue.Enqueue(ctx, contracts.TaskMessage{
		Name:     TaskSyncJob,
		EntityID: synced.ID,
		ParentID: synced.BuildID,
	}, h.opts.PollInterval)
}

// SyncBuild makes sure every unfinished job of a build is being synced
// and recomputes the build from its jobs.
func (h *Handlers) SyncBuild(ctx context.Context, msg contracts.TaskMessage) error {
	s := h.engine.Store()
	build, err := s.GetBuild(ctx, msg.EntityID)
	if err != nil {
		return fmt.Errorf("failed to load build %s: %w", msg.EntityID, err)
	}
	if !build.IsFinished() {
		jobs, err := s.ListJobsByBuild(ctx, build.ID)
		if err != nil {
			return fmt.Errorf("failed to list jobs of build %s: %w", build.ID, err)
		}
		for _, j := range jobs {
			if j.IsFinished() {
				// Picks up a job whose notifications were never sent.
				if err := h.finishJob(ctx, j); err != nil {
					return err
				}
				continue
			}
			if _, err := h.queue.EnqueueIfNotPending(ctx, contracts.TaskMessage{
				Name:     TaskSyncJob,
				EntityID: j.ID,
				ParentID: build.ID,
			}, 0); err != nil {
				return err
			}
		}
		if err := h.updateFamily(ctx, build.ID, ""); err != nil {
			return err
		}
	}
	_, err = h.queue.Complete(ctx, TaskSyncBuild, build.ID, build.Result)
	return err
}

// CreateJob asks the job's provider to start the remote build and then
// starts polling it.
func (h *Handlers) CreateJob(ctx context.Context, msg contracts.TaskMessage) error {
	s := h.engine.Store()
	job, err := s.GetJob(ctx, msg.EntityID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", msg.EntityID, err)
	}
	if job.IsFinished() {
		_, err := h.queue.Complete(ctx, TaskCreateJob, job.ID, job.Result)
		return err
	}

	project, err := s.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project %s: %w", job.ProjectID, err)
	}
	p, err := h.providers.Lookup(job.Provider)
	if err != nil {
		return h.abortJob(ctx, job, "unrecoverable", provider.Unrecoverable(err))
	}

	mapping, err := p.CreateBuild(ctx, job, project)
	switch {
	case err == nil:
	case provider.IsUnrecoverable(err):
		metrics.ProviderErrors.WithLabelValues(job.Provider, "unrecoverable").Inc()
		return h.abortJob(ctx, job, "unrecoverable", err)
	case errors.Is(err, remote.ErrIntegrity):
		return err
	default:
		metrics.ProviderErrors.WithLabelValues(job.Provider, "transient").Inc()
		return h.retryJob(ctx, msg, job, err)
	}

	h.log.Info("[CreateJob] job %s is %s build %s", job.ID, job.Provider, mapping.RemoteID)
	if _, err := h.queue.Complete(ctx, TaskCreateJob, job.ID, model.ResultPassed); err != nil {
		return err
	}
	return h.queue.Enqueue(ctx, contracts.TaskMessage{
		Name:     TaskSyncJob,
		EntityID: job.ID,
		ParentID: job.BuildID,
	}, h.opts.PollInterval)
}

// NotifyListeners publishes a finished signal for a job or build.
func (h *Handlers) NotifyListeners(ctx context.Context, msg contracts.TaskMessage) error {
	s := h.engine.Store()
	signal := msg.Args[argSignal]
	switch signal {
	case contracts.SignalJobFinished:
		job, err := s.GetJob(ctx, msg.EntityID)
		if err != nil {
			return fmt.Errorf("failed to load job %s: %w", msg.EntityID, err)
		}
		h.engine.Publisher().PublishSignal(ctx, signal, job.ID, job.ProjectID, job.Result)
	case contracts.SignalBuildFinished:
		build, err := s.GetBuild(ctx, msg.EntityID)
		if err != nil {
			return fmt.Errorf("failed to load build %s: %w", msg.EntityID, err)
		}
		h.engine.Publisher().PublishSignal(ctx, signal, build.ID, build.ProjectID, build.Result)
	default:
		h.log.Warn("[NotifyListeners] unknown signal %q for %s", signal, msg.EntityID)
	}
	return nil
}

// finishJob runs the work tied to a job reaching finished. The task
// ledger makes it happen once per job however many times it is called.
func (h *Handlers) finishJob(ctx context.Context, job *model.Job) error {
	first, err := h.queue.Complete(ctx, TaskSyncJob, job.ID, job.Result)
	if err != nil || !first {
		return err
	}
	h.log.Info("[SyncJob] job %s finished: %s", job.ID, job.Result)

	if err := h.updateFamily(ctx, job.BuildID, job.ID); err != nil {
		return err
	}
	return h.notify(ctx, contracts.SignalJobFinished, job.ID, job.BuildID)
}

func (h *Handlers) updateFamily(ctx context.Context, buildID, jobID string) error {
	fam, err := h.agg.UpdateFamilyResult(ctx, buildID, jobID)
	if err != nil {
		return err
	}
	if fam.Changed {
		metrics.FamilyUpdates.WithLabelValues(string(fam.Build.Status)).Inc()
	}
	if fam.Finished {
		return h.notify(ctx, contracts.SignalBuildFinished, buildID, "")
	}
	return nil
}

func (h *Handlers) notify(ctx context.Context, signal, entityID, parentID string) error {
	return h.queue.Enqueue(ctx, contracts.TaskMessage{
		Name:     TaskNotifyListeners,
		EntityID: entityID,
		ParentID: parentID,
		Args:     map[string]string{argSignal: signal},
	}, 0)
}

func (h *Handlers) retryJob(ctx context.Context, msg contracts.TaskMessage, job *model.Job, cause error) error {
	err := h.queue.Retry(ctx, msg, h.opts.RetryDelay, h.opts.MaxRetries)
	if errors.Is(err, ErrRetriesExhausted) {
		return h.abortJob(ctx, job, "retries", fmt.Errorf("%v: %w", err, cause))
	}
	if err != nil {
		return err
	}
	h.log.Warn("[%s] job %s failed (attempt %d), retrying in %s: %v", msg.Name, job.ID, msg.Attempt+1, h.opts.RetryDelay, cause)
	return nil
}

func (h *Handlers) abortJob(ctx context.Context, job *model.Job, reason string, cause error) error {
	h.log.Error("[Abort] aborting job %s: %v", job.ID, cause)
	aborted, err := h.engine.AbortJob(ctx, job.ID)
	if err != nil && !errors.Is(err, reconcile.ErrFinished) {
		return err
	}
	if err == nil {
		metrics.Aborts.WithLabelValues(model.KindJob, reason).Inc()
	}
	return h.finishJob(ctx, aborted)
}
