// Package cache abstracts the orchestrator's GPU-type memoisation cache
// behind a small Put/Get interface, with freecache and redis backends.
package cache

import "context"

// Cache is the minimal surface internal/gputype's Resolver needs.
type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error
	Get(ctx context.Context, key string, out interface{}) error
	GetDefaultTTL() int
}
