package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"changes-agent/src/contracts"
	"changes-agent/src/logger"
	"changes-agent/src/metrics"
	"changes-agent/src/model"
	"changes-agent/src/reconcile"
	"changes-agent/src/store"
)

// CleanupStats counts what one sweep did.
type CleanupStats struct {
	Requeued int
	Expired  int
}

// CleanupBuilds finds unfinished builds that have not been modified for
// CheckBuilds. Builds older than ExpireBuilds are aborted; the rest are
// touched and synced again.
func (h *Handlers) CleanupBuilds(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	now := h.now()
	s := h.engine.Store()

	builds, err := s.ListStaleBuilds(ctx, now.Add(-h.opts.CheckBuilds))
	if err != nil {
		return stats, fmt.Errorf("failed to list stale builds: %w", err)
	}

	expiry := now.Add(-h.opts.ExpireBuilds)
	for _, b := range builds {
		if b.DateCreated.Before(expiry) {
			expired, err := h.expireBuild(ctx, b.ID)
			if err != nil {
				return stats, err
			}
			if expired {
				stats.Expired++
			}
			continue
		}

		touched, err := h.touchBuild(ctx, b.ID, now)
		if err != nil {
			return stats, err
		}
		if !touched {
			continue
		}
		queued, err := h.queue.EnqueueIfNotPending(ctx, contracts.TaskMessage{
			Name:     TaskSyncBuild,
			EntityID: b.ID,
		}, 0)
		if err != nil {
			return stats, err
		}
		if queued {
			stats.Requeued++
		}
	}

	metrics.SweepRequeued.Add(float64(stats.Requeued))
	metrics.SweepExpired.Add(float64(stats.Expired))
	if stats.Requeued > 0 || stats.Expired > 0 {
		h.log.Info("[CleanupBuilds] %d stale builds requeued, %d expired", stats.Requeued, stats.Expired)
	}
	return stats, nil
}

func (h *Handlers) expireBuild(ctx context.Context, buildID string) (bool, error) {
	build, err := h.engine.AbortBuild(ctx, buildID)
	if errors.Is(err, reconcile.ErrFinished) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to expire build %s: %w", buildID, err)
	}
	h.log.Warn("[CleanupBuilds] build %s expired after %s", build.ID, h.opts.ExpireBuilds)
	metrics.Aborts.WithLabelValues(model.KindBuild, "expired").Inc()
	return true, h.notify(ctx, contracts.SignalBuildFinished, build.ID, "")
}

// touchBuild bumps date_modified so the next sweep leaves the build alone
// for another CheckBuilds. It reports false if the build finished in the
// meantime.
func (h *Handlers) touchBuild(ctx context.Context, buildID string, now time.Time) (bool, error) {
	var touched bool
	err := h.engine.Store().InTx(ctx, func(q store.Querier) error {
		b, err := q.GetBuild(ctx, buildID)
		if err != nil {
			return fmt.Errorf("failed to load build %s: %w", buildID, err)
		}
		touched = !b.IsFinished()
		if !touched {
			return nil
		}
		b.DateModified = now
		return q.SaveBuild(ctx, b)
	})
	return touched, err
}

// DefaultSweepSchedule runs the cleanup sweep every minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper runs CleanupBuilds on a cron schedule. Overlapping runs are
// skipped.
type Sweeper struct {
	cron     *cron.Cron
	handlers *Handlers
	log      logger.Logger
}

func NewSweeper(handlers *Handlers, log logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	cronLogger := logger.CronLogger{Log: log}
	return &Sweeper{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(
				cron.Recover(cronLogger),
				cron.SkipIfStillRunning(cronLogger),
			),
		),
		handlers: handlers,
		log:      log,
	}
}

// Run schedules the sweep and blocks until ctx ends.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.log.Info("[Sweeper] cleanup sweep scheduled %s", schedule)
	s.cron.Start()
	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.handlers.CleanupBuilds(ctx); err != nil {
		s.log.Error("[Sweeper] cleanup failed: %v", err)
	}
}
