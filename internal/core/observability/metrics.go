package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var serviceLabel atomic.Value

func init() {
	serviceLabel.Store("unknown")
}

// SetService names the WFS under test in every request metric.
func SetService(s string) {
	if s == "" {
		s = "unknown"
	}
	serviceLabel.Store(s)
}

func getService() string {
	if v := serviceLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of status server HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of status server HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	wfsRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wfs_requests_total",
			Help: "Requests submitted to the WFS under test.",
		},
		[]string{"operation", "binding", "status", "service"},
	)

	wfsRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wfs_request_duration_seconds",
			Help:    "Latency of requests to the WFS under test in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"operation", "binding", "status", "service"},
	)

	samplingAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sampling_attempts_total",
			Help: "Feature sampling attempts by binding and outcome.",
		},
		[]string{"binding", "outcome"},
	)

	memoResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memo_results_total",
			Help: "Per-run memoization lookups by cache and outcome.",
		},
		[]string{"cache", "outcome"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// StatusClass buckets an HTTP status as 2xx, 4xx, ...; zero means the
// request never produced a response.
func StatusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

func ObserveRequest(operation, binding string, status int, durationSeconds float64) {
	s := getService()
	class := StatusClass(status)
	wfsRequestsTotal.WithLabelValues(operation, binding, class, s).Inc()
	wfsRequestDurationSeconds.WithLabelValues(operation, binding, class, s).Observe(durationSeconds)
}

func IncSamplingAttempt(binding, outcome string) {
	samplingAttempts.WithLabelValues(binding, outcome).Inc()
}

func IncMemoHit(cache string) {
	memoResults.WithLabelValues(cache, "hit").Inc()
}

func IncMemoMiss(cache string) {
	memoResults.WithLabelValues(cache, "miss").Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
