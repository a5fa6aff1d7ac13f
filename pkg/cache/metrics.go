package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_cache_lookups_total",
		Help: "Upstream page cache lookups by dataset and result (hit, miss)",
	}, []string{"dataset", "result"})

	cacheStoredBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_cache_stored_bytes_total",
		Help: "Bytes of upstream pages written to the cache",
	}, []string{"dataset"})

	// operation is get, set or delete.
	cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_cache_errors_total",
		Help: "Cache operation errors",
	}, []string{"operation"})
)
