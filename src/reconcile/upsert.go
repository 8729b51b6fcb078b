package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changes-agent/src/contracts"
	"changes-agent/src/logger"
	"changes-agent/src/model"
	"changes-agent/src/remote"
	"changes-agent/src/store"
)

// ErrFinished is returned, together with the stored entity, when a sync
// would touch an entity that already reached its terminal status. Callers
// treat it as a no-op.
var ErrFinished = errors.New("entity already finished")

// Ref identifies a remote record.
type Ref struct {
	Provider string
	RemoteID string
	// Data is stored on the mapping when it is first created.
	Data model.Data
}

// JobRecord is the raw state of one remote build.
type JobRecord struct {
	Ref
	// BuildID is the family to attach a new job to. A new family is created
	// when empty.
	BuildID     string
	ProjectID   string
	Label       string
	RevisionSHA string
	PatchID     string
	// Created is the remote creation time, if known.
	Created  *time.Time
	Stages   []Stage
	Tokens   Tokens
	Override *State
	// Data replaces the job's provider payload when non-nil.
	Data model.Data
}

// PhaseRecord is the raw state of one phase of a job.
type PhaseRecord struct {
	Ref
	Label    string
	Stages   []Stage
	Tokens   Tokens
	Override *State
}

// StepRecord is the raw state of one step of a phase.
type StepRecord struct {
	Ref
	Label    string
	Stage    Stage
	Tokens   Tokens
	Override *State
	NodeID   string
}

// PhaseRemoteID is the synthetic remote id for providers that do not
// identify phases themselves.
func PhaseRemoteID(jobRemoteID, phaseType string) string {
	return jobRemoteID + ":" + phaseType
}

// Engine creates or updates canonical entities from remote records.
type Engine struct {
	store   store.Store
	remotes *remote.Map
	pub     *contracts.Publisher
	log     logger.Logger
	now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(s store.Store, pub *contracts.Publisher, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	if pub == nil {
		pub = contracts.NewPublisher(nil, log)
	}
	return &Engine{
		store:   s,
		remotes: remote.NewMap(),
		pub:     pub,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the store the engine writes to.
func (e *Engine) Store() store.Store { return e.store }

// Remotes returns the remote entity map.
func (e *Engine) Remotes() *remote.Map { return e.remotes }

// Publisher returns the update publisher.
func (e *Engine) Publisher() *contracts.Publisher { return e.pub }

// withMapping runs fn in a transaction with the internal id mapped to the
// remote record, allocating and binding a fresh id if there is none. The
// bind commits with whatever fn wrote. If a concurrent sync wins the insert
// race the whole unit is rolled back and replayed against its mapping.
func (e *Engine) withMapping(ctx context.Context, kind string, ref Ref, fn func(q store.Querier, id string, created bool) error) error {
	if ref.RemoteID == "" {
		return fmt.Errorf("%w: %s record from %s has no remote id", remote.ErrIntegrity, kind, ref.Provider)
	}
	for attempt := 0; ; attempt++ {
		err := e.store.InTx(ctx, func(q store.Querier) error {
			id, created := "", false
			m, err := e.remotes.Find(ctx, q, kind, ref.RemoteID, ref.Provider)
			switch {
			case err == nil:
				id = m.InternalID
			case errors.Is(err, store.ErrNotFound):
				id, created = model.NewID(), true
			default:
				return err
			}

			if err := fn(q, id, created); err != nil {
				return err
			}
			if created {
				if _, err := e.remotes.Bind(ctx, q, kind, id, ref.RemoteID, ref.Provider, ref.Data); err != nil {
					return err
				}
			}
			return nil
		})
		if attempt == 0 && errors.Is(err, store.ErrDuplicate) {
			e.log.Debug("[Reconcile] lost insert race for %s %s/%s, re-reading", ref.Provider, kind, ref.RemoteID)
			continue
		}
		return err
	}
}

// UpsertJob creates or updates the job for a remote build.
func (e *Engine) UpsertJob(ctx context.Context, rec JobRecord) (*model.Job, error) {
	st := Resolve(rec.Stages, rec.Tokens, rec.Override)
	now := e.now()

	var job *model.Job
	var newBuild *model.Build
	err := e.withMapping(ctx, model.KindJob, rec.Ref, func(q store.Querier, id string, created bool) error {
		newBuild = nil
		if created {
			job = &model.Job{
				ID:          id,
				BuildID:     rec.BuildID,
				ProjectID:   rec.ProjectID,
				Provider:    rec.Provider,
				Status:      model.StatusUnknown,
				Result:      model.ResultUnknown,
				Data:        model.Data{},
				DateCreated: now,
			}
			if rec.Created != nil {
				job.DateCreated = rec.Created.UTC()
			}
			if job.BuildID == "" {
				newBuild = &model.Build{
					ID:           model.NewID(),
					ProjectID:    rec.ProjectID,
					RevisionSHA:  rec.RevisionSHA,
					PatchID:      rec.PatchID,
					Label:        rec.Label,
					Status:       model.StatusQueued,
					Result:       model.ResultUnknown,
					DateCreated:  job.DateCreated,
					DateModified: now,
				}
				if err := q.SaveBuild(ctx, newBuild); err != nil {
					return fmt.Errorf("failed to create build for %s job %s: %w", rec.Provider, rec.RemoteID, err)
				}
				job.BuildID = newBuild.ID
			}
		} else {
			existing, err := q.GetJob(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: job %s mapped from %s/%s is missing: %v", remote.ErrIntegrity, id, rec.Provider, rec.RemoteID, err)
			}
			job = existing
			if job.IsFinished() {
				return ErrFinished
			}
		}

		if rec.Label != "" {
			job.Label = rec.Label
		}
		if rec.RevisionSHA != "" {
			job.RevisionSHA = rec.RevisionSHA
		}
		if rec.PatchID != "" {
			job.PatchID = rec.PatchID
		}
		if rec.Data != nil {
			job.Data = rec.Data.Clone()
		}
		applyState(&job.Status, &job.Result, &job.DateStarted, &job.DateFinished, st)
		if job.IsFinished() {
			job.Duration = model.DurationMillis(job.DateStarted, job.DateFinished)
		}
		job.DateModified = now
		return q.SaveJob(ctx, job)
	})
	if err != nil {
		if errors.Is(err, ErrFinished) {
			return job, ErrFinished
		}
		return nil, err
	}

	if newBuild != nil {
		e.pub.PublishBuild(ctx, newBuild)
	}
	e.pub.PublishJob(ctx, job)
	return job, nil
}

// UpsertPhase creates or updates one phase of job.
func (e *Engine) UpsertPhase(ctx context.Context, job *model.Job, rec PhaseRecord) (*model.JobPhase, error) {
	st := Resolve(rec.Stages, rec.Tokens, rec.Override)
	now := e.now()

	var phase *model.JobPhase
	err := e.withMapping(ctx, model.KindPhase, rec.Ref, func(q store.Querier, id string, created bool) error {
		if created {
			phase = &model.JobPhase{
				ID:          id,
				JobID:       job.ID,
				ProjectID:   job.ProjectID,
				Status:      model.StatusUnknown,
				Result:      model.ResultUnknown,
				DateCreated: now,
			}
		} else {
			existing, err := q.GetJobPhase(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: phase %s mapped from %s/%s is missing: %v", remote.ErrIntegrity, id, rec.Provider, rec.RemoteID, err)
			}
			phase = existing
			if phase.IsFinished() {
				return ErrFinished
			}
		}

		phase.Label = rec.Label
		applyState(&phase.Status, &phase.Result, &phase.DateStarted, &phase.DateFinished, st)
		phase.DateModified = now
		return q.SaveJobPhase(ctx, phase)
	})
	if err != nil {
		if errors.Is(err, ErrFinished) {
			return phase, ErrFinished
		}
		return nil, err
	}

	e.pub.PublishPhase(ctx, phase)
	return phase, nil
}

// UpsertStep creates or updates one step of phase. Its state is derived
// from its own stage alone.
func (e *Engine) UpsertStep(ctx context.Context, phase *model.JobPhase, rec StepRecord) (*model.JobStep, error) {
	st := Resolve([]Stage{rec.Stage}, rec.Tokens, rec.Override)
	now := e.now()

	var step *model.JobStep
	err := e.withMapping(ctx, model.KindStep, rec.Ref, func(q store.Querier, id string, created bool) error {
		if created {
			step = &model.JobStep{
				ID:          id,
				JobID:       phase.JobID,
				PhaseID:     phase.ID,
				ProjectID:   phase.ProjectID,
				Status:      model.StatusUnknown,
				Result:      model.ResultUnknown,
				DateCreated: now,
			}
		} else {
			existing, err := q.GetJobStep(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: step %s mapped from %s/%s is missing: %v", remote.ErrIntegrity, id, rec.Provider, rec.RemoteID, err)
			}
			step = existing
			if step.IsFinished() {
				return ErrFinished
			}
		}

		step.PhaseID = phase.ID
		step.Label = rec.Label
		if rec.NodeID != "" {
			step.NodeID = rec.NodeID
		}
		applyState(&step.Status, &step.Result, &step.DateStarted, &step.DateFinished, st)
		step.DateModified = now
		return q.SaveJobStep(ctx, step)
	})
	if err != nil {
		if errors.Is(err, ErrFinished) {
			return step, ErrFinished
		}
		return nil, err
	}
	return step, nil
}

// AbortJob force-finishes job as aborted. It returns ErrFinished if the
// job already finished.
func (e *Engine) AbortJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job *model.Job
	err := e.store.InTx(ctx, func(q store.Querier) error {
		j, err := q.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to load job %s: %w", jobID, err)
		}
		job = j
		if job.IsFinished() {
			return ErrFinished
		}
		now := e.now()
		job.Status = model.StatusFinished
		job.Result = model.ResultAborted
		if job.DateFinished == nil {
			job.DateFinished = &now
		}
		job.Duration = model.DurationMillis(job.DateStarted, job.DateFinished)
		job.DateModified = now
		return q.SaveJob(ctx, job)
	})
	if err != nil {
		if errors.Is(err, ErrFinished) {
			return job, ErrFinished
		}
		return nil, err
	}
	e.pub.PublishJob(ctx, job)
	return job, nil
}

// AbortBuild force-finishes a build family and every unfinished job in it.
func (e *Engine) AbortBuild(ctx context.Context, buildID string) (*model.Build, error) {
	var build *model.Build
	var aborted []*model.Job
	err := e.store.InTx(ctx, func(q store.Querier) error {
		aborted = nil
		b, err := q.GetBuild(ctx, buildID)
		if err != nil {
			return fmt.Errorf("failed to load build %s: %w", buildID, err)
		}
		build = b
		if build.IsFinished() {
			return ErrFinished
		}
		now := e.now()

		jobs, err := q.ListJobsByBuild(ctx, buildID)
		if err != nil {
			return fmt.Errorf("failed to list jobs of build %s: %w", buildID, err)
		}
		for _, j := range jobs {
			if j.IsFinished() {
				continue
			}
			j.Status = model.StatusFinished
			j.Result = model.ResultAborted
			if j.DateFinished == nil {
				j.DateFinished = &now
			}
			j.Duration = model.DurationMillis(j.DateStarted, j.DateFinished)
			j.DateModified = now
			if err := q.SaveJob(ctx, j); err != nil {
				return err
			}
			aborted = append(aborted, j)
		}

		build.Status = model.StatusFinished
		build.Result = model.ResultAborted
		if build.DateFinished == nil {
			build.DateFinished = &now
		}
		build.Duration = model.DurationMillis(build.DateStarted, build.DateFinished)
		build.DateModified = now
		return q.SaveBuild(ctx, build)
	})
	if err != nil {
		if errors.Is(err, ErrFinished) {
			return build, ErrFinished
		}
		return nil, err
	}

	for _, j := range aborted {
		e.pub.PublishJob(ctx, j)
	}
	e.pub.PublishBuild(ctx, build)
	return build, nil
}

func applyState(status *model.Status, result *model.Result, started, finished **time.Time, st State) {
	*status = advance(*status, st.Status)
	*result = st.Result
	if *status == model.StatusFinished && *result == model.ResultUnknown {
		*result = model.ResultFailed
	}
	if st.Started != nil {
		*started = st.Started
	}
	*finished = st.Finished
	if *status != model.StatusFinished {
		*finished = nil
	}
}
