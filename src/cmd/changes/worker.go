package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"changes-agent/src/metrics"
	"changes-agent/src/tasks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task worker, the cleanup sweep and the metrics server",
	Long: `Consumes the task topic and runs sync_job, sync_build, create_job and
notify_listeners. Delayed tasks are released from parking, the cleanup
sweep runs on the configured cron schedule and /metrics plus /healthz
are served on the metrics address.

Example:
  changes worker --config changes.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer a.close()

		return runWorker(ctx, a)
	},
}

func runWorker(ctx context.Context, a *app) error {
	cfg := a.cfg
	w := tasks.NewWorker(a.broker, a.queue, a.locker, a.log, tasks.WorkerOptions{
		GroupID:     cfg.Worker.GroupID,
		Concurrency: cfg.Worker.Concurrency,
		TaskTimeout: cfg.Worker.TaskTimeout,
	})
	a.handlers.Register(w)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return a.queue.Pump(ctx, cfg.Worker.PumpInterval) })
	g.Go(func() error { return tasks.NewSweeper(a.handlers, a.log).Run(ctx, cfg.Sync.SweepSchedule) })

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.Router(reg, w.Ready),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("[Worker] metrics on %s", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.log.Info("[Worker] started with providers %v", a.registry.Names())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
