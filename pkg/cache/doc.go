// Package cache provides a Redis read-through cache for per-key quote data.
//
// Entries are stored one Redis key per item so a batch can be answered
// partly from cache and partly from upstream:
//
//	manager := cache.NewManager(redisClient, cache.DefaultConfig())
//
//	hits, misses, err := manager.GetMany(ctx, []string{"AAPL", "MSFT"})
//	// fetch misses upstream, then
//	if ttl := cache.TTLFromHeaders(resp.Header, 15*time.Second); ttl > 0 {
//	    err = manager.SetMany(ctx, fresh, ttl)
//	}
//
// TTLs follow the upstream's Cache-Control max-age or Expires header when
// present. A zero TTL passed to Set or SetMany means the configured default.
//
// # Metrics
//
//   - quote_cache_hits_total
//   - quote_cache_misses_total
//   - quote_cache_errors_total{operation}
package cache
