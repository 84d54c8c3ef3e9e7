package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batch coordination.
var (
	batchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_requests_total",
		Help: "Total batches by outcome",
	}, []string{"outcome"}) // "completed", "degraded", "rejected", "failed"

	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_items_total",
		Help: "Total batch items by final status code",
	}, []string{"status"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_size_items",
		Help:    "Number of items per accepted batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 200},
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_duration_seconds",
		Help:    "Time from validation to aggregated result",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	})

	batchDeadlineExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_deadline_exceeded_total",
		Help: "Total batches whose deadline expired before every item finished",
	})
)
