// Package cache stores upstream query pages in Redis so that re-running a
// backfill over the same historical range does not hit the subgraph again.
//
// Only windows that closed before a settle period are cached; data inside an
// open window can still change, data behind it cannot.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{
//		Subgraph: "5zvR82QoaXYFyDEKLZ9t6v9adgnptxYpKpSbxtgVENFV",
//		Dataset:  "swaps",
//		Variables: map[string]string{"start": "1700000000", "end": "1700021600", "first": "1000"},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// query upstream, then manager.Set(ctx, key, cache.NewEntry(data, ttl))
//	}
//
// # Metrics
//
//   - backfill_cache_lookups_total{dataset,result} - hits and misses
//   - backfill_cache_stored_bytes_total{dataset} - bytes written
//   - backfill_cache_errors_total{operation} - Cache operation errors
//
// Pages are Redis hashes (data, cached_at) whose key expiry is the entry TTL.
package cache
