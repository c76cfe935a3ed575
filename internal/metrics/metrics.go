// Package metrics exposes Prometheus collectors for the scheduling daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapyd_jobs_scheduled_total",
			Help: "Total number of jobs accepted by schedule, labeled by project.",
		},
		[]string{"project"},
	)

	jobsLaunchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapyd_jobs_launched_total",
			Help: "Total number of worker processes started, labeled by project.",
		},
		[]string{"project"},
	)

	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapyd_jobs_finished_total",
			Help: "Total number of worker processes reaped, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	launchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrapyd_launch_failures_total",
			Help: "Total number of worker processes that could not be spawned.",
		},
	)

	runningWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapyd_running_workers",
			Help: "Number of worker processes currently running.",
		},
	)

	spiderCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapyd_spider_cache_total",
			Help: "Spider list cache lookups, labeled by result (hit or miss).",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveScheduled counts a job accepted into the queue.
func ObserveScheduled(project string) {
	jobsScheduledTotal.WithLabelValues(project).Inc()
}

// ObserveLaunched counts a spawned worker and raises the running gauge.
func ObserveLaunched(project string) {
	jobsLaunchedTotal.WithLabelValues(project).Inc()
	runningWorkers.Inc()
}

// ObserveFinished counts a reaped worker and lowers the running gauge.
func ObserveFinished(outcome string) {
	jobsFinishedTotal.WithLabelValues(outcome).Inc()
	runningWorkers.Dec()
}

// ObserveLaunchFailure counts a worker that failed to spawn.
func ObserveLaunchFailure() {
	launchFailuresTotal.Inc()
}

// ObserveSpiderCache counts a spider list cache lookup.
func ObserveSpiderCache(result string) {
	spiderCacheTotal.WithLabelValues(result).Inc()
}
