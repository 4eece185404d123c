// Package metrics exposes Prometheus collectors for the browser service.
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
	browserSessionsActive    prometheus.Gauge
	browserCommandsTotal     *prometheus.CounterVec
	streamFramesTotal        prometheus.Counter
	streamCaptureErrorsTotal prometheus.Counter
	streamViewersActive      prometheus.Gauge
	pageEventsTotal          *prometheus.CounterVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		browserSessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_sessions_active",
				Help: "Number of browser sessions currently open.",
			},
		)

		browserCommandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_commands_total",
				Help: "Total browser commands dispatched, labeled by verb and outcome.",
			},
			[]string{"verb", "outcome"},
		)

		streamFramesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stream_frames_captured_total",
				Help: "Total frames captured by the streaming loop.",
			},
		)

		streamCaptureErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stream_capture_errors_total",
				Help: "Total transient frame capture failures.",
			},
		)

		streamViewersActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_viewers_active",
				Help: "Number of MJPEG viewers currently attached.",
			},
		)

		pageEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "page_events_total",
				Help: "Total passive page events observed, labeled by kind.",
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
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

// IncSessions increments the active sessions gauge.
func IncSessions() {
	browserSessionsActive.Inc()
}

// DecSessions decrements the active sessions gauge.
func DecSessions() {
	browserSessionsActive.Dec()
}

// ObserveCommand increments the command counter for the given verb.
func ObserveCommand(verb string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	browserCommandsTotal.WithLabelValues(verb, outcome).Inc()
}

// ObserveFrame increments the captured frame counter.
func ObserveFrame() {
	streamFramesTotal.Inc()
}

// ObserveCaptureError increments the capture failure counter.
func ObserveCaptureError() {
	streamCaptureErrorsTotal.Inc()
}

// IncViewers increments the attached viewers gauge.
func IncViewers() {
	streamViewersActive.Inc()
}

// DecViewers decrements the attached viewers gauge.
func DecViewers() {
	streamViewersActive.Dec()
}

// ObservePageEvent increments the passive page event counter for a kind.
func ObservePageEvent(kind string) {
	pageEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
