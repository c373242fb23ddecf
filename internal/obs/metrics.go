// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/go-task-runner/internal/config"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_success_total",
		Help: "Total number of tasks that finished successfully",
	})
	TasksFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_failure_total",
		Help: "Total number of task execution attempts that failed",
	})
	TasksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_skipped_total",
		Help: "Total number of deliveries skipped because their execution was already processed",
	})
	AttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attempts_total",
		Help: "Total number of task execution attempts made",
	})
	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Histogram of task handler execution durations",
		Buckets: prometheus.DefBuckets,
	})
	DLQSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlq_size",
		Help: "Current number of dead-lettered tasks",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of pending stream entries reclaimed from crashed consumers",
	})
)

func init() {
	prometheus.MustRegister(
		TasksSuccess, TasksFailure, TasksSkipped, AttemptsTotal,
		TaskDuration, DLQSize, CircuitBreakerState, CircuitBreakerTrips,
		WorkerActive, ReaperRecovered,
	)
}

// SuccessRate returns the derived success ratio from the success/failure
// counters. Returns 0 when no attempts have been recorded.
func SuccessRate() float64 {
	succ := counterValue(TasksSuccess)
	fail := counterValue(TasksFailure)
	total := succ + fail
	if total == 0 {
		return 0
	}
	return succ / total
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

// StartMetricsServer exposes /metrics only; StartHTTPServer (http.go) also
// wires /healthz and /readyz and is what cmd/taskrunner actually uses.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
