// Package metrics exposes Prometheus collectors for the crawl control
// plane and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stateTransitionsTotal      *prometheus.CounterVec
	signalsSentTotal           *prometheus.CounterVec
	signalsDroppedTotal        *prometheus.CounterVec
	signalCheckDurationSeconds prometheus.Histogram
	cleanupFailuresTotal       *prometheus.CounterVec
	lockEvictionsTotal         prometheus.Counter
	pagesCrawledTotal          *prometheus.CounterVec
	crawlActive                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		stateTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlerd_state_transitions_total",
				Help: "Total crawl state transitions, labeled by from and to state.",
			},
			[]string{"from", "to"},
		)

		signalsSentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlerd_signals_sent_total",
				Help: "Total control signals sent, labeled by signal type.",
			},
			[]string{"type"},
		)

		signalsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlerd_signals_dropped_total",
				Help: "Signals dropped because no legal transition existed, labeled by type.",
			},
			[]string{"type"},
		)

		signalCheckDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlerd_signal_check_duration_seconds",
				Help:    "Histogram of signal check latencies at crawl checkpoints.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		)

		cleanupFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlerd_cleanup_failures_total",
				Help: "Resource cleanup callbacks that failed, labeled by resource type.",
			},
			[]string{"resource_type"},
		)

		lockEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlerd_lock_evictions_total",
				Help: "Stale task locks evicted by a later acquirer.",
			},
		)

		pagesCrawledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlerd_pages_crawled_total",
				Help: "Pages fetched by the crawl loop, labeled by section and outcome.",
			},
			[]string{"section", "outcome"},
		)

		crawlActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlerd_crawl_active",
				Help: "1 while a crawl loop is running, 0 otherwise.",
			},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStateTransition records one state machine transition.
func ObserveStateTransition(from, to string) {
	if stateTransitionsTotal == nil {
		return
	}
	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveSignalSent increments the sent counter for a signal type.
func ObserveSignalSent(signalType string) {
	if signalsSentTotal == nil {
		return
	}
	signalsSentTotal.WithLabelValues(signalType).Inc()
}

// ObserveSignalDropped increments the dropped counter for a signal type.
func ObserveSignalDropped(signalType string) {
	if signalsDroppedTotal == nil {
		return
	}
	signalsDroppedTotal.WithLabelValues(signalType).Inc()
}

// ObserveSignalCheck records the latency of one checkpoint signal check.
func ObserveSignalCheck(duration time.Duration) {
	if signalCheckDurationSeconds == nil {
		return
	}
	signalCheckDurationSeconds.Observe(duration.Seconds())
}

// ObserveCleanupFailure counts a failed resource cleanup callback.
func ObserveCleanupFailure(resourceType string) {
	if cleanupFailuresTotal == nil {
		return
	}
	cleanupFailuresTotal.WithLabelValues(resourceType).Inc()
}

// ObserveLockEviction counts a stale lock eviction.
func ObserveLockEviction() {
	if lockEvictionsTotal == nil {
		return
	}
	lockEvictionsTotal.Inc()
}

// ObservePageCrawled counts one fetched page.
func ObservePageCrawled(section, outcome string) {
	if pagesCrawledTotal == nil {
		return
	}
	pagesCrawledTotal.WithLabelValues(section, outcome).Inc()
}

// SetCrawlActive flips the crawl-running gauge.
func SetCrawlActive(active bool) {
	if crawlActive == nil {
		return
	}
	if active {
		crawlActive.Set(1)
	} else {
		crawlActive.Set(0)
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
