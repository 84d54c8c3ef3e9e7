package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolWorkers tracks live worker goroutines.
	PoolWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_pool_workers",
			Help: "Current number of worker pool goroutines",
		},
	)

	// PoolActive tracks workers currently running a task.
	PoolActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_pool_active_tasks",
			Help: "Number of tasks currently executing in the worker pool",
		},
	)

	// PoolQueued tracks tasks waiting in the backlog.
	PoolQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_pool_queued_tasks",
			Help: "Number of tasks waiting for a free worker",
		},
	)

	// PoolRejections tracks submissions refused by the pool.
	PoolRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_pool_rejections_total",
			Help: "Total number of task submissions rejected by the worker pool",
		},
		[]string{"reason"}, // "saturated", "closed"
	)

	// PoolPanics tracks tasks that panicked.
	PoolPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_pool_task_panics_total",
			Help: "Total number of recovered task panics",
		},
	)
)
