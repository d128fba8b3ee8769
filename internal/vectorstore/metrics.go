package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: op (store, remove, search, clear, ...), result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragorch",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"op", "result"},
	)

	// OperationDuration tracks how long operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragorch",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// SearchableEntities tracks projection rows per entity type.
	SearchableEntities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ragorch",
			Subsystem: "vectorstore",
			Name:      "searchable_entities",
			Help:      "Number of searchable entity rows by entity type",
		},
		[]string{"entity_type"},
	)

	// SearchCacheRequests counts search cache lookups.
	// Labels: result (hit, miss)
	SearchCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragorch",
			Subsystem: "vectorstore",
			Name:      "search_cache_requests_total",
			Help:      "Total number of search cache lookups",
		},
		[]string{"result"},
	)
)

func recordOperation(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func recordCacheLookup(hit bool) {
	if hit {
		SearchCacheRequests.WithLabelValues("hit").Inc()
	} else {
		SearchCacheRequests.WithLabelValues("miss").Inc()
	}
}

// UpdateEntityGauge sets the projection gauge from per-type counts.
func UpdateEntityGauge(counts map[string]int) {
	SearchableEntities.Reset()
	for t, n := range counts {
		SearchableEntities.WithLabelValues(t).Set(float64(n))
	}
}
