// Package tasks runs the background sync loop: the task queue, the worker
// that consumes it, the sync handlers and the stale build sweep.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"changes-agent/src/broker"
	"changes-agent/src/contracts"
	"changes-agent/src/logger"
	"changes-agent/src/metrics"
	"changes-agent/src/model"
	"changes-agent/src/store"
)

// Task names.
const (
	TaskSyncJob         = "sync_job"
	TaskSyncBuild       = "sync_build"
	TaskCreateJob       = "create_job"
	TaskNotifyListeners = "notify_listeners"
)

// DefaultPendingTimeout is how long a queued or running ledger entry
// counts as pending. Entries older than this belong to a lost message.
const DefaultPendingTimeout = 3 * time.Minute

var ErrRetriesExhausted = errors.New("retries exhausted")

// Queue schedules tasks. Due tasks are published to the tasks topic and
// delayed ones wait in parking until Pump releases them. Every task is
// recorded in the store's task ledger, one row per task name and entity.
type Queue struct {
	broker  broker.Broker
	store   store.Store
	parking Parking
	log     logger.Logger
	now     func() time.Time

	PendingTimeout time.Duration
}

// NewQueue creates a Queue. A nil parking keeps delayed tasks in memory.
func NewQueue(b broker.Broker, s store.Store, parking Parking, log logger.Logger) *Queue {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	if parking == nil {
		parking = NewMemoryParking()
	}
	return &Queue{
		broker:         b,
		store:          s,
		parking:        parking,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		PendingTimeout: DefaultPendingTimeout,
	}
}

// Enqueue schedules msg to run after delay.
func (q *Queue) Enqueue(ctx context.Context, msg contracts.TaskMessage, delay time.Duration) error {
	if err := q.store.InTx(ctx, func(tx store.Querier) error {
		return q.record(ctx, tx, msg)
	}); err != nil {
		return fmt.Errorf("failed to record %s for %s: %w", msg.Name, msg.EntityID, err)
	}
	return q.dispatch(ctx, msg, delay)
}

// EnqueueIfNotPending schedules msg unless the same task for the same
// entity is already queued or running. It reports whether msg was
// scheduled.
func (q *Queue) EnqueueIfNotPending(ctx context.Context, msg contracts.TaskMessage, delay time.Duration) (bool, error) {
	var pending bool
	err := q.store.InTx(ctx, func(tx store.Querier) error {
		t, err := tx.GetTask(ctx, msg.Name, msg.EntityID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case q.isPending(t):
			pending = true
			return nil
		}
		return q.record(ctx, tx, msg)
	})
	if err != nil {
		return false, fmt.Errorf("failed to record %s for %s: %w", msg.Name, msg.EntityID, err)
	}
	if pending {
		q.log.Debug("[Queue] %s for %s already pending", msg.Name, msg.EntityID)
		return false, nil
	}
	return true, q.dispatch(ctx, msg, delay)
}

// Retry schedules the next attempt of msg after delay. Once msg has been
// retried max times it returns ErrRetriesExhausted and schedules nothing.
func (q *Queue) Retry(ctx context.Context, msg contracts.TaskMessage, delay time.Duration, max int) error {
	if msg.Attempt >= max {
		return fmt.Errorf("%w: %s for %s failed %d times", ErrRetriesExhausted, msg.Name, msg.EntityID, msg.Attempt+1)
	}
	next := msg
	next.ID = ""
	next.Attempt++
	metrics.TaskRetries.WithLabelValues(msg.Name).Inc()
	return q.Enqueue(ctx, next, delay)
}

// Start marks the ledger entry of msg as running.
func (q *Queue) Start(ctx context.Context, msg contracts.TaskMessage) error {
	return q.store.InTx(ctx, func(tx store.Querier) error {
		t, err := tx.GetTask(ctx, msg.Name, msg.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			t = q.newTask(msg)
		} else if err != nil {
			return err
		}
		if t.Status == model.StatusFinished {
			return nil
		}
		t.Status = model.StatusInProgress
		t.DateModified = q.now()
		return tx.SaveTask(ctx, t)
	})
}

// Complete marks the ledger entry of a task finished with result. It
// reports whether this call made the transition, so work tied to it runs
// once.
func (q *Queue) Complete(ctx context.Context, name, entityID string, result model.Result) (bool, error) {
	var transitioned bool
	err := q.store.InTx(ctx, func(tx store.Querier) error {
		transitioned = false
		t, err := tx.GetTask(ctx, name, entityID)
		if errors.Is(err, store.ErrNotFound) {
			t = q.newTask(contracts.TaskMessage{Name: name, EntityID: entityID})
		} else if err != nil {
			return err
		}
		if t.Status == model.StatusFinished {
			return nil
		}
		t.Status = model.StatusFinished
		t.Result = result
		t.DateModified = q.now()
		// A concurrent Complete may have inserted or finished the row
		// since it was read.
		transitioned, err = tx.FinishTask(ctx, t)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to complete %s for %s: %w", name, entityID, err)
	}
	return transitioned, nil
}

// Defer parks msg for delay without touching the ledger.
func (q *Queue) Defer(ctx context.Context, msg contracts.TaskMessage, delay time.Duration) error {
	return q.dispatch(ctx, msg, delay)
}

// Pump releases parked tasks as they fall due until ctx ends.
func (q *Queue) Pump(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.ReleaseDue(ctx); err != nil {
				q.log.Error("[Queue] failed to release parked tasks: %v", err)
			}
		}
	}
}

// ReleaseDue publishes every parked task whose run time has passed.
func (q *Queue) ReleaseDue(ctx context.Context) (int, error) {
	due, err := q.parking.Due(ctx, q.now())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, msg := range due {
		if err := q.publish(ctx, msg); err != nil {
			q.log.Warn("[Queue] failed to publish %s for %s, parking again: %v", msg.Name, msg.EntityID, err)
			if perr := q.parking.Park(ctx, msg); perr != nil {
				return released, fmt.Errorf("failed to re-park %s: %w", msg.ID, perr)
			}
			continue
		}
		released++
	}
	if n, err := q.parking.Len(ctx); err == nil {
		metrics.ParkedTasks.Set(float64(n))
	}
	return released, nil
}

func (q *Queue) isPending(t *model.Task) bool {
	if t.Status != model.StatusQueued && t.Status != model.StatusInProgress {
		return false
	}
	return q.now().Sub(t.DateModified) < q.PendingTimeout
}

func (q *Queue) newTask(msg contracts.TaskMessage) *model.Task {
	now := q.now()
	return &model.Task{
		Name:         msg.Name,
		EntityID:     msg.EntityID,
		ParentID:     msg.ParentID,
		DateCreated:  now,
		DateModified: now,
	}
}

func (q *Queue) record(ctx context.Context, tx store.Querier, msg contracts.TaskMessage) error {
	t, err := tx.GetTask(ctx, msg.Name, msg.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		t = q.newTask(msg)
	} else if err != nil {
		return err
	}
	t.Status = model.StatusQueued
	t.Result = model.ResultUnknown
	t.NumRetries = msg.Attempt
	t.DateModified = q.now()
	return tx.SaveTask(ctx, t)
}

func (q *Queue) dispatch(ctx context.Context, msg contracts.TaskMessage, delay time.Duration) error {
	if msg.ID == "" {
		msg.ID = model.NewID()
	}
	msg.RunAt = q.now().Add(delay)
	if delay <= 0 {
		return q.publish(ctx, msg)
	}
	if err := q.parking.Park(ctx, msg); err != nil {
		return fmt.Errorf("failed to park %s for %s: %w", msg.Name, msg.EntityID, err)
	}
	return nil
}

func (q *Queue) publish(ctx context.Context, msg contracts.TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := q.broker.Publish(ctx, contracts.TopicTasks, msg.EntityID, data); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", msg.Name, msg.EntityID, err)
	}
	return nil
}
