// Package metrics holds the prometheus collectors of the worker process and
// serves them with the health endpoint.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ReadHeaderTimeout = 2 * time.Second

	// outcome label values
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

var (
	TasksTotal            *prometheus.CounterVec
	TaskRunTimeSummary    *prometheus.SummaryVec
	LeaseContentionTotal  *prometheus.CounterVec
	TaskRedeliveriesTotal prometheus.Counter
	ComponentUp           *prometheus.GaugeVec
	DevicesRecoveredTotal prometheus.Counter
)

func init() {
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oltprov_tasks_total",
			Help: "A counter metric to measure the total count of tasks handled, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TaskRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "oltprov_task_duration_seconds",
			Help: "A summary metric to measure the total time spent handling a task, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	LeaseContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oltprov_lease_contention_total",
			Help: "A counter metric to measure requeues caused by a device lease held by another worker",
		},
		[]string{"kind"},
	)

	TaskRedeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oltprov_task_redeliveries_total",
			Help: "A counter metric to measure task deliveries beyond the first",
		},
	)

	ComponentUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oltprov_component_up",
			Help: "Whether an external dependency is reachable (1) or not (0)",
		},
		[]string{"component"},
	)

	DevicesRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oltprov_devices_recovered_total",
			Help: "A counter metric to measure devices moved to failed after being left in progress",
		},
	)
}

// ObserveTask records the outcome of one handled task.
func ObserveTask(kind, outcome string, started time.Time) {
	labels := prometheus.Labels{"kind": kind, "outcome": outcome}

	TasksTotal.With(labels).Inc()
	TaskRunTimeSummary.With(labels).Observe(time.Since(started).Seconds())
}

// SetComponentUp exports the reachability of a dependency.
func SetComponentUp(component string, up bool) {
	v := 0.0
	if up {
		v = 1
	}

	ComponentUp.WithLabelValues(component).Set(v)
}

// ListenAndServe exposes /metrics, and /healthz when healthz is set, on addr.
// The server stops when ctx is done.
func ListenAndServe(ctx context.Context, addr string, healthz http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if healthz != nil {
		mux.Handle("/healthz", healthz)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics enabled", "endpoint", addr+"/metrics")
}
