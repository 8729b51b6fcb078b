// Package metrics holds the Prometheus collectors of the sync worker and
// the HTTP handler that exposes them.
package metrics

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var TaskRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "changes_task_runs_total",
		Help: "Task invocations by task name and outcome.",
	},
	[]string{"task", "outcome"},
)

var TaskDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "changes_task_duration_seconds",
		Help: "Task run time.",
		Buckets: []float64{
			0.05,
			0.1,
			0.25,
			0.5,
			1,
			2.5,
			5,
			10,
			30,
		},
	},
	[]string{"task"},
)

var TaskRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "changes_task_retries_total",
		Help: "Transient failures rescheduled for retry.",
	},
	[]string{"task"},
)

var Aborts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "changes_aborts_total",
		Help: "Entities force-finished as aborted, by reason.",
	},
	[]string{"kind", "reason"},
)

var SweepRequeued = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "changes_sweep_requeued_total",
		Help: "Stale builds re-enqueued by the cleanup sweep.",
	},
)

var SweepExpired = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "changes_sweep_expired_total",
		Help: "Builds expired by the cleanup sweep.",
	},
)

var FamilyUpdates = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "changes_family_updates_total",
		Help: "Build family recomputations that wrote the build, by resulting status.",
	},
	[]string{"status"},
)

var ParkedTasks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "changes_parked_tasks",
		Help: "Delayed tasks waiting for their run time.",
	},
)

var ProviderErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "changes_provider_errors_total",
		Help: "Adapter failures by provider and class.",
	},
	[]string{"provider", "class"},
)

// Register adds every collector to reg. Collectors already registered
// with reg are skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		TaskRuns,
		TaskDuration,
		TaskRetries,
		Aborts,
		SweepRequeued,
		SweepExpired,
		FamilyUpdates,
		ParkedTasks,
		ProviderErrors,
	} {
		var are prometheus.AlreadyRegisteredError
		if err := reg.Register(c); err != nil && !errors.As(err, &are) {
			return err
		}
	}
	return nil
}

// Router serves /metrics from gatherer and a /healthz probe. ready reports
// whether the worker is consuming; nil means always ready.
func Router(gatherer prometheus.Gatherer, ready func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return r
}
