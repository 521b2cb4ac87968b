// Package metrics declares the Prometheus collectors shared by the backend and
// pipeline services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "retriever"

var (
	httpRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Count of http requests, by response status code and HTTP method",
	}, []string{"code", "method"})
	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of requests currently being handled",
	})
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Histogram of time spent processing requests, by response status code and HTTP method",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"code", "method"})

	SensorPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "passes_total",
		Help:      "Count of reconciliation passes, by sensor and outcome",
	}, []string{"sensor", "outcome"})
	SensorDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "dispatches_total",
		Help:      "Count of partition runs requested, by sensor",
	}, []string{"sensor"})
	SensorSkippedFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "skipped_files_total",
		Help:      "Count of candidate files not dispatched, by sensor and reason",
	}, []string{"sensor", "reason"})
	SensorPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "pass_duration_seconds",
		Help:      "Histogram of reconciliation pass latency, by sensor",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sensor"})

	RunOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "finished_total",
		Help:      "Count of finished runs, by job and final status",
	}, []string{"job", "status"})

	VendorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vendor",
		Name:      "requests_total",
		Help:      "Count of requests to external data vendors, by vendor and outcome",
	}, []string{"vendor", "outcome"})
)

// Instrument wraps h with request count, duration and in-flight collectors.
func Instrument(h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(httpRequestsInFlight,
		promhttp.InstrumentHandlerDuration(httpRequestDuration,
			promhttp.InstrumentHandlerCounter(httpRequestCount, h)))
}

// Handler serves the default registry for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
