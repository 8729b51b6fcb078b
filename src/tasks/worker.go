package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"changes-agent/src/broker"
	"changes-agent/src/contracts"
	"changes-agent/src/logger"
	"changes-agent/src/metrics"
)

// HandlerFunc runs one task.
type HandlerFunc func(ctx context.Context, msg contracts.TaskMessage) error

type handler struct {
	fn        HandlerFunc
	exclusive bool
}

// DefaultGroupID is the consumer group workers share.
const DefaultGroupID = "changes-worker"

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	GroupID string
	// Concurrency bounds tasks running at once.
	Concurrency int
	// TaskTimeout bounds a single task run; zero means no limit.
	TaskTimeout time.Duration
}

// Worker consumes the tasks topic and runs each task with its handler.
// Tasks for different entities run concurrently; exclusive handlers hold
// the entity lock while they run and a task that finds the lock taken is
// dropped, since the holder schedules whatever follows.
type Worker struct {
	broker   broker.Broker
	locker   Locker
	queue    *Queue
	log      logger.Logger
	opts     WorkerOptions
	handlers map[string]handler
	ready    atomic.Bool
}

func NewWorker(b broker.Broker, queue *Queue, locker Locker, log logger.Logger, opts WorkerOptions) *Worker {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if opts.GroupID == "" {
		opts.GroupID = DefaultGroupID
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Worker{
		broker:   b,
		locker:   locker,
		queue:    queue,
		log:      log,
		opts:     opts,
		handlers: make(map[string]handler),
	}
}

// Handle registers fn for task name.
func (w *Worker) Handle(name string, fn HandlerFunc, exclusive bool) {
	w.handlers[name] = handler{fn: fn, exclusive: exclusive}
}

// Ready reports whether the worker is consuming.
func (w *Worker) Ready() bool {
	return w.ready.Load()
}

// Run consumes tasks until ctx ends, then waits for running tasks.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("[Worker] Starting...")

	msgChan, err := w.broker.Subscribe(ctx, contracts.TopicTasks, w.opts.GroupID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", contracts.TopicTasks, err)
	}
	w.ready.Store(true)
	defer w.ready.Store(false)

	w.log.Info("[Worker] Listening for tasks on '%s' topic...", contracts.TopicTasks)

	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				w.log.Info("[Worker] Message channel closed, shutting down")
				return nil
			}

			var task contracts.TaskMessage
			if err := json.Unmarshal(msg.Value, &task); err != nil {
				w.log.Error("[Worker] failed to unmarshal task: %v", err)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.Process(ctx, task)
			}()

		case <-ctx.Done():
			w.log.Info("[Worker] Context cancelled, shutting down")
			return ctx.Err()
		}
	}
}

// Process runs one task to completion. Handler errors are logged; they
// are data-integrity failures and are not retried.
func (w *Worker) Process(ctx context.Context, task contracts.TaskMessage) {
	h, ok := w.handlers[task.Name]
	if !ok {
		w.log.Error("[Worker] no handler for task %q (%s)", task.Name, task.EntityID)
		metrics.TaskRuns.WithLabelValues(task.Name, "unknown").Inc()
		return
	}

	if h.exclusive {
		release, acquired, err := w.locker.TryLock(ctx, task.EntityID)
		if err != nil {
			w.log.Error("[Worker] failed to lock %s: %v", task.EntityID, err)
			metrics.TaskRuns.WithLabelValues(task.Name, "error").Inc()
			return
		}
		if !acquired {
			w.log.Debug("[Worker] %s for %s is already running, dropping", task.Name, task.EntityID)
			metrics.TaskRuns.WithLabelValues(task.Name, "busy").Inc()
			return
		}
		defer release()
	}

	if w.queue != nil {
		if err := w.queue.Start(ctx, task); err != nil {
			w.log.Warn("[Worker] failed to mark %s for %s running: %v", task.Name, task.EntityID, err)
		}
	}

	runCtx := ctx
	if w.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	err := h.fn(runCtx, task)
	metrics.TaskDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		w.log.Error("[Worker] %s for %s failed: %v", task.Name, task.EntityID, err)
		metrics.TaskRuns.WithLabelValues(task.Name, "error").Inc()
		return
	}
	metrics.TaskRuns.WithLabelValues(task.Name, "ok").Inc()
}
