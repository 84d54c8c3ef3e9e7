// Package metrics provides the Prometheus registry, the HTTP-level metrics and
// the /metrics handler for the batch gateway.
// Domain metrics are defined in their respective packages (pool, batch,
// dispatch, store, ratelimit) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the gateway.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry read by Handler.
var Gatherer = prometheus.DefaultGatherer

var (
	// HTTPRequests tracks inbound requests by route, method and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_http_requests_total",
			Help: "Total inbound HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPDuration tracks inbound request latency by route.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_http_request_duration_seconds",
			Help:    "Inbound HTTP request duration in seconds by route",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"route"},
	)
)

// ObserveHTTP records one finished inbound request.
func ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// HTTP Metrics (pkg/metrics):
//   - batch_http_requests_total{route, method, status} (Counter): Inbound requests
//   - batch_http_request_duration_seconds{route} (Histogram): Inbound request latency
//
// Pool Metrics (pkg/pool):
//   - batch_pool_workers (Gauge): Live worker goroutines
//   - batch_pool_active_tasks (Gauge): Tasks currently executing
//   - batch_pool_queued_tasks (Gauge): Tasks waiting for a worker
//   - batch_pool_rejections_total{reason} (Counter): Rejected submissions ("saturated", "closed")
//   - batch_pool_task_panics_total (Counter): Recovered task panics
//
// Batch Metrics (pkg/batch):
//   - batch_requests_total{outcome} (Counter): Batches by outcome ("completed", "degraded", "rejected", "failed")
//   - batch_items_total{status} (Counter): Items by final status code
//   - batch_size_items (Histogram): Items per accepted batch
//   - batch_duration_seconds (Histogram): Validation to aggregated result
//   - batch_deadline_exceeded_total (Counter): Batches degraded by the deadline
//
// Dispatch Metrics (pkg/dispatch):
//   - batch_dispatch_requests_total{outcome} (Counter): Item calls by outcome
//   - batch_dispatch_duration_seconds{outcome} (Histogram): Item call latency
//
// Store Metrics (pkg/store):
//   - batch_store_operations_total{operation, result} (Counter): Result store calls
//   - batch_store_entry_bytes (Histogram): Stored document size
//
// Admission Metrics (pkg/ratelimit):
//   - batch_admission_rejections_total (Counter): Requests answered with 429
//   - batch_admission_visitors (Gauge): Tracked client buckets
//
// Example Prometheus Queries:
//
//   # Share of batches degraded by the deadline
//   rate(batch_deadline_exceeded_total[5m]) / rate(batch_requests_total[5m])
//
//   # Pool saturation
//   rate(batch_pool_rejections_total{reason="saturated"}[5m])
//
//   # Item timeout rate
//   rate(batch_items_total{status="504"}[5m]) / rate(batch_items_total[5m])
//
//   # P95 item call latency
//   histogram_quantile(0.95, rate(batch_dispatch_duration_seconds_bucket[5m]))
