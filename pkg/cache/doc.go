// Package cache provides the hourly bucketed occupancy cache with Redis backend.
//
// Every studio snapshot is cached under a key that names the studio and the
// clock hour it was fetched in:
//
//	{studio}-{YYYY-MM-DD}-{HH}
//
// Keys for the same studio and hour collide. A re-fetch overwrites the bucket.
//
// # Key Scheme
//
//	now := time.Now().In(berlin)
//
//	// Bucket for the current hour
//	key := cache.CurrentKey("1414810010", now) // "1414810010-2024-06-01-10"
//
//	// Glob matching every bucket of yesterday
//	pattern := cache.SearchPattern("1414810010", now, 1) // "1414810010-2024-05-31-[0-2][0-9]"
//
//	// Newest bucket among the enumerated keys
//	keys, err := manager.Keys(ctx, pattern)
//	newest, err := cache.SelectNewest(keys)
//
// The reference timezone is the caller's business: CurrentKey and
// SearchPattern format the time they are given.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager (0 = entries never expire)
//	manager := cache.NewManager(redisClient, 0)
//
//	// Get from cache
//	data, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from upstream
//	}
//
//	// Store in cache
//	if err := manager.Set(ctx, key, payload); err != nil {
//		return err
//	}
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - occupancy_cache_hits_total{layer="redis"} - Cache hits
//   - occupancy_cache_misses_total - Cache misses
//   - occupancy_cache_written_bytes_total{layer="redis"} - Payload bytes written
//   - occupancy_cache_errors_total{operation} - Cache operation errors
package cache
