// Package metrics exposes Prometheus collectors for the monitor service.
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
	monitorRunsTotal              *prometheus.CounterVec
	monitorRecordsFoundTotal      prometheus.Counter
	monitorRecordsNewTotal        prometheus.Counter
	monitorRecordsTrimmedTotal    prometheus.Counter
	monitorDeliveriesTotal        *prometheus.CounterVec
	monitorProxyFailuresTotal     *prometheus.CounterVec
	monitorProxyBurnsTotal        prometheus.Counter
	monitorCaptchaDetectionsTotal prometheus.Counter
	monitorSessionSeconds         prometheus.Histogram
	monitorActiveWorkers          prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		monitorRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_runs_total",
				Help: "Total number of scrape runs finished, labeled by status.",
			},
			[]string{"status"},
		)

		monitorRecordsFoundTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_records_found_total",
				Help: "Total publication records returned by scrape sessions.",
			},
		)

		monitorRecordsNewTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_records_new_total",
				Help: "Total publication records inserted as new.",
			},
		)

		monitorRecordsTrimmedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_records_trimmed_total",
				Help: "Total publication records deleted by per-case retention.",
			},
		)

		monitorDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_deliveries_total",
				Help: "Total callback deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		monitorProxyFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_proxy_failures_total",
				Help: "Total proxy failures, labeled by whether a block was detected.",
			},
			[]string{"blocked"},
		)

		monitorProxyBurnsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_proxy_burns_total",
				Help: "Total proxy endpoints marked for replacement.",
			},
		)

		monitorCaptchaDetectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_captcha_detections_total",
				Help: "Total scrape sessions that saw a captcha challenge.",
			},
		)

		monitorSessionSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "monitor_session_duration_seconds",
				Help:    "Histogram of full scrape run durations.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		monitorActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_active_workers",
				Help: "Number of workers currently processing a task.",
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

// ObserveRun records one finished run and its record counts.
func ObserveRun(status string, found, fresh int, duration time.Duration) {
	monitorRunsTotal.WithLabelValues(status).Inc()
	monitorRecordsFoundTotal.Add(float64(found))
	monitorRecordsNewTotal.Add(float64(fresh))
	monitorSessionSeconds.Observe(duration.Seconds())
}

// ObserveRetention records how many records a retention pass deleted.
func ObserveRetention(deleted int) {
	if deleted > 0 {
		monitorRecordsTrimmedTotal.Add(float64(deleted))
	}
}

// ObserveDelivery increments the delivery counter for the given outcome.
func ObserveDelivery(outcome string) {
	monitorDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveProxyFailure increments the proxy failure counter.
func ObserveProxyFailure(blocked bool) {
	monitorProxyFailuresTotal.WithLabelValues(strconv.FormatBool(blocked)).Inc()
}

// ObserveProxyBurn increments the replacement counter.
func ObserveProxyBurn() {
	monitorProxyBurnsTotal.Inc()
}

// ObserveCaptcha increments the captcha detection counter.
func ObserveCaptcha() {
	monitorCaptchaDetectionsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	monitorActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	monitorActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
