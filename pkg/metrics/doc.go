/*
Package metrics provides Prometheus metrics collection and exposition for the
night worker process, plus a small component health registry used by its
HTTP health endpoints.

Metrics are defined and registered once at package init using the Prometheus
client library, giving visibility into job throughput, sandbox launch and
sync timing, and iteration outcomes. They are exposed via an HTTP handler for
scraping by a Prometheus server.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                 │          │
	│  │  - Global DefaultRegistry                    │          │
	│  │  - MustRegister at package init              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Categories               │          │
	│  │                                              │          │
	│  │  Loop: discovered/claimed/dispatched/running │          │
	│  │  Supervisor: launch duration, sync duration, │          │
	│  │              job duration by status          │          │
	│  │  Iteration: iterations total by stop reason, │          │
	│  │             iteration duration                │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint                │          │
	│  │  - Path: /metrics                            │          │
	│  │  - Handler: metrics.Handler()                │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                    │          │
	│  │  - Scrapes /metrics periodically             │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered in init()
  - Thread-safe for concurrent updates from the loop and supervisor
    goroutines

Timer Helper:
  - NewTimer starts a timer; ObserveDuration/ObserveDurationVec record the
    elapsed time to a histogram (or histogram vector) when the operation
    finishes
  - Duration returns the elapsed time without recording it, for logging
    alongside the metric

Component Health Registry (health.go):
  - RegisterComponent/UpdateComponent track per-component up/down state
  - GetHealth/GetReadiness answer the night worker's /health and /ready
    probes; readiness additionally requires the "containerd" and "loop"
    components to be healthy
  - HealthHandler/ReadyHandler/LivenessHandler adapt these into http.Handler

# Metrics Catalog

Loop metrics:

nightworker_jobs_discovered_total:
  - Type: Counter
  - Description: total job zips observed in the input directory

nightworker_jobs_claimed_total:
  - Type: Counter
  - Description: total jobs this process won the atomic claim for

nightworker_jobs_dispatched_total{outcome}:
  - Type: CounterVec
  - Description: total jobs dispatched to a sandbox, by outcome
  - Labels: outcome (done, failed, error)

nightworker_jobs_running:
  - Type: Gauge
  - Description: number of jobs currently in flight

nightworker_scheduling_cycle_duration_seconds:
  - Type: Histogram
  - Description: time taken to run one poll/dispatch cycle of the loop

Supervisor metrics:

nightworker_sandbox_launch_duration_seconds:
  - Type: Histogram
  - Description: time taken to launch a job's sandbox container

nightworker_sync_tick_duration_seconds:
  - Type: Histogram
  - Description: time taken for one log/artifact sync tick

nightworker_job_duration_seconds{status}:
  - Type: HistogramVec
  - Description: end-to-end job duration in seconds, by final status
  - Buckets: 30, 60, 300, 600, 1800, 3600, 7200, 14400

Iteration metrics:

nightworker_iterations_total{stop_reason}:
  - Type: CounterVec
  - Description: total assistant iterations run, by stop reason

nightworker_iteration_duration_seconds:
  - Type: Histogram
  - Description: duration of a single assistant iteration

# Usage

Updating Counters and Gauges:

	import "github.com/dodogabrie/night-worker/pkg/metrics"

	metrics.JobsDiscovered.Inc()
	metrics.JobsClaimed.Inc()
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	metrics.JobsDispatched.WithLabelValues("done").Inc()

Recording Histogram Observations:

	// Using the Timer helper
	timer := metrics.NewTimer()
	runSandbox()
	timer.ObserveDuration(metrics.SandboxLaunchDuration)

	// Vector histograms take label values
	timer2 := metrics.NewTimer()
	runJob()
	timer2.ObserveDurationVec(metrics.JobDuration, "done")

Exposing the Endpoint and Health Probes:

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())
	http.HandleFunc("/live", metrics.LivenessHandler())
	http.ListenAndServe("127.0.0.1:9090", nil)

# Integration Points

This package integrates with:

  - pkg/loop: increments discovery/claim/dispatch counters and the
    scheduling cycle histogram each poll
  - pkg/supervisor: times sandbox launch and sync ticks, records job
    duration by final status
  - pkg/iteration: records no metrics; nightworker_iterations_total and
    nightworker_iteration_duration_seconds are registered but no package
    updates them
  - cmd/nightworker: registers containerd/loop component health and serves
    /metrics, /health, /ready, /live
  - Prometheus: scrapes /metrics

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so package metrics is imported exactly once per process

Label Discipline:
  - Labels are bounded enums (outcome, status, stop_reason), never job IDs
    or timestamps

Timer Pattern:
  - Create the timer at operation start, observe at the end; supports both
    plain and vector histograms

# Troubleshooting

Missing Metrics:
  - Check the metric variable is referenced somewhere so init() isn't
    dead-code eliminated, and that /metrics is actually being served

High Cardinality:
  - Only use the documented label sets above; never add job IDs as labels

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
