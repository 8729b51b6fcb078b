// Package aggregate rolls job results up into build families and test
// results up into test group trees.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"changes-agent/src/contracts"
	"changes-agent/src/logger"
	"changes-agent/src/model"
	"changes-agent/src/store"
)

// Cache holds read copies of entities that must be dropped once an
// aggregate is committed.
type Cache interface {
	Expire(kind, id string)
}

// NopCache expires nothing.
type NopCache struct{}

func (NopCache) Expire(kind, id string) {}

// Aggregator recomputes rollups.
type Aggregator struct {
	store store.Store
	pub   *contracts.Publisher
	cache Cache
	log   logger.Logger
	now   func() time.Time
}

// New creates an Aggregator. cache may be nil.
func New(s store.Store, pub *contracts.Publisher, cache Cache, log logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	if pub == nil {
		pub = contracts.NewPublisher(nil, log)
	}
	if cache == nil {
		cache = NopCache{}
	}
	return &Aggregator{
		store: s,
		pub:   pub,
		cache: cache,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// FamilyUpdate reports what UpdateFamilyResult did.
type FamilyUpdate struct {
	Build *model.Build
	// Changed is true if the build row was written.
	Changed bool
	// Finished is true if this call moved the build to finished.
	Finished bool
}

// UpdateFamilyResult recomputes build buildID from its jobs. jobID names
// the job whose change triggered the update, if any.
//
// While jobs are still running the build is only touched to surface an
// early failure of jobID, or to move a queued build to in progress. Once
// every job finished the build takes the worst job result.
func (a *Aggregator) UpdateFamilyResult(ctx context.Context, buildID, jobID string) (FamilyUpdate, error) {
	var out FamilyUpdate
	var jobs []*model.Job

	err := a.store.InTx(ctx, func(q store.Querier) error {
		out = FamilyUpdate{}
		build, err := q.GetBuild(ctx, buildID)
		if err != nil {
			return fmt.Errorf("failed to load build %s: %w", buildID, err)
		}
		out.Build = build
		if build.IsFinished() {
			return nil
		}

		jobs, err = q.ListJobsByBuild(ctx, buildID)
		if err != nil {
			return fmt.Errorf("failed to list jobs of build %s: %w", buildID, err)
		}
		if len(jobs) == 0 {
			return nil
		}

		if !allFinished(jobs) {
			out.Changed = a.applyRunning(build, jobs, jobID)
		} else {
			a.applyFinished(build, jobs)
			out.Changed, out.Finished = true, true
		}
		if !out.Changed {
			return nil
		}
		build.DateModified = a.now()
		return q.SaveBuild(ctx, build)
	})
	if err != nil {
		return FamilyUpdate{}, err
	}

	if out.Finished {
		for _, j := range jobs {
			a.cache.Expire(model.KindJob, j.ID)
		}
		a.cache.Expire(model.KindBuild, buildID)
		a.log.Info("[UpdateFamilyResult] build %s finished: %s", buildID, out.Build.Result)
	}
	if out.Changed {
		a.pub.PublishBuild(ctx, out.Build)
	}
	return out, nil
}

func (a *Aggregator) applyRunning(build *model.Build, jobs []*model.Job, jobID string) bool {
	changed := false

	if jobID != "" {
		for _, j := range jobs {
			if j.ID == jobID && j.Result == model.ResultFailed {
				if build.Status != model.StatusInProgress || build.Result != model.ResultFailed {
					build.Status = model.StatusInProgress
					build.Result = model.ResultFailed
					changed = true
				}
				break
			}
		}
	}

	if build.Status == model.StatusQueued || build.Status == model.StatusUnknown {
		for _, j := range jobs {
			if j.Status == model.StatusInProgress || j.Status == model.StatusFinished {
				build.Status = model.StatusInProgress
				changed = true
				break
			}
		}
	}

	if changed && build.DateStarted == nil {
		build.DateStarted = minStart(jobs)
	}
	return changed
}

func (a *Aggregator) applyFinished(build *model.Build, jobs []*model.Job) {
	result := model.ResultPassed
	for _, j := range jobs {
		result = model.WorstResult(result, j.Result)
	}

	build.Status = model.StatusFinished
	build.Result = result
	build.DateStarted = minStart(jobs)
	build.DateFinished = maxFinish(jobs)
	build.Duration = familyDuration(jobs)
	if build.DateFinished == nil {
		now := a.now()
		build.DateFinished = &now
	}
}

func allFinished(jobs []*model.Job) bool {
	for _, j := range jobs {
		if !j.IsFinished() {
			return false
		}
	}
	return true
}

func minStart(jobs []*model.Job) *time.Time {
	var min *time.Time
	for _, j := range jobs {
		if j.DateStarted != nil && (min == nil || j.DateStarted.Before(*min)) {
			min = j.DateStarted
		}
	}
	return min
}

func maxFinish(jobs []*model.Job) *time.Time {
	var max *time.Time
	for _, j := range jobs {
		if j.DateFinished != nil && (max == nil || j.DateFinished.After(*max)) {
			max = j.DateFinished
		}
	}
	return max
}

// familyDuration is max finish minus min start in milliseconds, or nil if
// any job lacks either timestamp.
func familyDuration(jobs []*model.Job) *int64 {
	for _, j := range jobs {
		if j.DateStarted == nil || j.DateFinished == nil {
			return nil
		}
	}
	return model.DurationMillis(minStart(jobs), maxFinish(jobs))
}
