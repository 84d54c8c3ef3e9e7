package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation results used as metric labels.
const (
	resultOK      = "ok"
	resultMiss    = "miss"
	resultError   = "error"
	resultCorrupt = "corrupt"
	resultSkipped = "skipped"
)

var (
	// Operations tracks store calls by operation and result.
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_store_operations_total",
			Help: "Total number of result store operations",
		},
		[]string{"operation", "result"}, // "save", "get", "delete" / "ok", "miss", "error", "corrupt", "skipped"
	)

	// EntryBytes tracks the size of stored result documents.
	EntryBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_store_entry_bytes",
			Help:    "Size of stored batch result documents in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)
)
