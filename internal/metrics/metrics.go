// Package metrics exposes engine counters and latencies to Prometheus
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 120, 600}

// Command outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeTimedOut  = "timed_out"
	OutcomeFailed    = "failed"
)

// Recorder owns the engine's collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	environmentsLive    prometheus.Gauge
	commandsTotal       *prometheus.CounterVec
	commandDuration     prometheus.Histogram
	autocommitsTotal    prometheus.Counter
	commitBatchDuration prometheus.Histogram
	destroyWarnings     prometheus.Counter
	requestTotal        *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
}

// New creates a Recorder with a private registry, so several engines (and
// tests) never collide on registration.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		environmentsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cofer",
			Name:      "environments_live",
			Help:      "Number of live environments",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cofer",
			Name:      "commands_total",
			Help:      "Foreground commands by outcome",
		}, []string{"outcome"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cofer",
			Name:      "command_duration_seconds",
			Help:      "Latency distribution of foreground commands",
			Buckets:   histogramBuckets,
		}),
		autocommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cofer",
			Name:      "autocommits_total",
			Help:      "Commits made by worktree watchers",
		}),
		commitBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cofer",
			Name:      "commit_batch_duration_seconds",
			Help:      "Latency distribution of batched commits",
			Buckets:   histogramBuckets,
		}),
		destroyWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cofer",
			Name:      "destroy_warnings_total",
			Help:      "Non-fatal cleanup failures during destroy",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cofer",
			Subsystem: "server",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cofer",
			Subsystem: "server",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}
	r.registry.MustRegister(
		r.environmentsLive,
		r.commandsTotal,
		r.commandDuration,
		r.autocommitsTotal,
		r.commitBatchDuration,
		r.destroyWarnings,
		r.requestTotal,
		r.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) SetEnvironmentsLive(n int) {
	if r == nil {
		return
	}
	r.environmentsLive.Set(float64(n))
}

func (r *Recorder) RecordCommand(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.commandsTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
	r.commandDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) RecordAutoCommit(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.autocommitsTotal.Inc()
	r.commitBatchDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) RecordCommitBatch(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.commitBatchDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) RecordDestroyWarnings(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.destroyWarnings.Add(float64(n))
}

func (r *Recorder) RecordRequest(method, route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestDuration.With(labels).Observe(duration.Seconds())
}
