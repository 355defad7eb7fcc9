// Package metrics exposes Prometheus collectors for the conversion gateway.
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

// Conversion outcomes used as the "outcome" label.
const (
	OutcomeSuccess         = "success"
	OutcomeIOError         = "io_error"
	OutcomeConversionError = "conversion_error"
)

var (
	conversionsTotal           *prometheus.CounterVec
	conversionDurationSeconds  *prometheus.HistogramVec
	activeConversions          prometheus.Gauge
	rateLimitedTotal           prometheus.Counter
	validationFailuresTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		conversionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docconvert_conversions_total",
				Help: "Total number of conversions attempted, labeled by formats and outcome.",
			},
			[]string{"from", "to", "outcome"},
		)

		conversionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docconvert_conversion_duration_seconds",
				Help:    "Histogram of external converter run times, labeled by formats.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"from", "to"},
		)

		activeConversions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "docconvert_active_conversions",
				Help: "Number of converter processes currently running.",
			},
		)

		rateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docconvert_rate_limited_total",
				Help: "Total number of requests rejected by the per-client rate limit.",
			},
		)

		validationFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docconvert_validation_failures_total",
				Help: "Total number of rejected conversion requests, labeled by reason.",
			},
			[]string{"reason"},
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

// ObserveConversion records a finished conversion.
func ObserveConversion(from, to, outcome string, duration time.Duration) {
	conversionsTotal.WithLabelValues(from, to, outcome).Inc()
	conversionDurationSeconds.WithLabelValues(from, to).Observe(duration.Seconds())
}

// IncActiveConversions increments the running-conversions gauge.
func IncActiveConversions() {
	activeConversions.Inc()
}

// DecActiveConversions decrements the running-conversions gauge.
func DecActiveConversions() {
	activeConversions.Dec()
}

// ObserveRateLimited counts a request turned away by the rate limiter.
func ObserveRateLimited() {
	rateLimitedTotal.Inc()
}

// ObserveValidationFailure counts a 400 response by reason.
func ObserveValidationFailure(reason string) {
	validationFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
