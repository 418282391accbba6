// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

var (
	artifactsByStage           *prometheus.GaugeVec
	decisionsTotal             *prometheus.CounterVec
	claimConflictsTotal        *prometheus.CounterVec
	saturatedTotal             prometheus.Counter
	storeUnavailableTotal      prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		artifactsByStage = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_artifacts",
				Help: "Number of artifacts per stage at the last scheduling pass.",
			},
			[]string{"stage"},
		)

		decisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_decisions_total",
				Help: "Scheduler decisions, labeled by action.",
			},
			[]string{"action"},
		)

		claimConflictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_claim_conflicts_total",
				Help: "Claims lost to another worker, labeled by action.",
			},
			[]string{"action"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_robots_fallback_total",
				Help: "robots.txt lookups that fell back to allow-all, labeled by reason.",
			},
			[]string{"reason"},
		)

		saturatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_dispatch_saturated_total",
				Help: "Dispatch attempts rejected because every slot was busy.",
			},
		)

		storeUnavailableTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_store_unavailable_total",
				Help: "Scheduling passes aborted because the store was unreachable.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delay_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStageCounts publishes the per-stage artifact counts.
func ObserveStageCounts(m pipeline.Metrics) {
	Init()
	for _, stage := range pipeline.Stages() {
		artifactsByStage.WithLabelValues(string(stage)).Set(float64(m.Count(stage)))
	}
}

// ObserveDecision counts a scheduler decision.
func ObserveDecision(action pipeline.Action) {
	Init()
	decisionsTotal.WithLabelValues(action.String()).Inc()
}

// ObserveClaimConflict counts a lost claim race.
func ObserveClaimConflict(action pipeline.Action) {
	Init()
	claimConflictsTotal.WithLabelValues(action.String()).Inc()
}

// ObserveSaturated counts a dispatch rejected for lack of slots.
func ObserveSaturated() {
	Init()
	saturatedTotal.Inc()
}

// ObserveStoreUnavailable counts a pass aborted by a store outage.
func ObserveStoreUnavailable() {
	Init()
	storeUnavailableTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt lookup that gave up and allowed
// the fetch.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
