package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Loop metrics
	JobsDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nightworker_jobs_discovered_total",
			Help: "Total number of job zips observed in the input directory",
		},
	)

	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nightworker_jobs_claimed_total",
			Help: "Total number of jobs this process won the claim for",
		},
	)

	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightworker_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to a sandbox, by outcome",
		},
		[]string{"outcome"},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nightworker_jobs_running",
			Help: "Number of jobs currently in flight",
		},
	)

	SchedulingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nightworker_scheduling_cycle_duration_seconds",
			Help:    "Time taken to run one poll/dispatch cycle of the loop",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Supervisor metrics
	SandboxLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nightworker_sandbox_launch_duration_seconds",
			Help:    "Time taken to launch a job's sandbox container",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nightworker_sync_tick_duration_seconds",
			Help:    "Time taken for one log/artifact sync tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nightworker_job_duration_seconds",
			Help:    "End-to-end job duration in seconds, by final status",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
		},
		[]string{"status"},
	)

	// Iteration metrics
	IterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightworker_iterations_total",
			Help: "Total number of assistant iterations run, by stop reason",
		},
		[]string{"stop_reason"},
	)

	IterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nightworker_iteration_duration_seconds",
			Help:    "Duration of a single assistant iteration",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsDiscovered,
		JobsClaimed,
		JobsDispatched,
		JobsRunning,
		SchedulingCycleDuration,
		SandboxLaunchDuration,
		SyncTickDuration,
		JobDuration,
		IterationsTotal,
		IterationDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
