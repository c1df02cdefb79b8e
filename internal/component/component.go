// Package component selects concrete cache backends from
// configuration, the same switch-by-string-type pattern the teacher uses
// in its own internal/component package for pluggable infrastructure.
package component

import (
	"context"
	"fmt"

	"github.com/nimbusgpu/orchestrator/internal/cache"
	"github.com/nimbusgpu/orchestrator/internal/cache/freecache"
	"github.com/nimbusgpu/orchestrator/internal/cache/redis"
)

// GetCache returns the cache backend named by cacheType, defaulting to an
// in-process freecache instance when unset or unrecognised — the same
// default the teacher's GetCache falls back to.
func GetCache(ctx context.Context, cacheType, redisAddr, redisPassword string, ttlSeconds int) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		return redis.New(ctx, redisAddr, redisPassword, ttlSeconds)
	default:
		return freecache.New(64*1024*1024, ttlSeconds), nil
	}
}

// ValidateCacheType rejects cache types neither backend can serve, the
// same fail-fast shape as worker.ValidateSandboxManagerConfig.
func ValidateCacheType(cacheType string) error {
	switch cacheType {
	case "", "redis", "freecache":
		return nil
	default:
		return fmt.Errorf("unsupported cache type: %s", cacheType)
	}
}
