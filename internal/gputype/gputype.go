// Package gputype memoises recent GPU-type availability so the control
// loop does not retry a GPU type whose CreatePod call RunPod just
// rejected with a quota or fatal error on every single cycle — the "GPU-type memoisation cache" named in the
// orchestrator's telemetry configuration.
package gputype

import (
	"context"

	"github.com/nimbusgpu/orchestrator/internal/cache"
)

const keyPrefix = "gputype:unavailable:"

// Resolver consults and updates the memoisation cache around RunPod
// quota/fatal CreatePod errors for a given GPU type.
type Resolver struct {
	cache cache.Cache
}

func NewResolver(c cache.Cache) *Resolver {
	return &Resolver{cache: c}
}

// Available reports whether gpuType was not recently marked unavailable.
// A cache miss (not yet marked, or entry expired) means available.
func (r *Resolver) Available(ctx context.Context, gpuType string) bool {
	if r.cache == nil {
		return true
	}
	var marked bool
	if err := r.cache.Get(ctx, keyPrefix+gpuType, &marked); err != nil {
		return true
	}
	return !marked
}

// MarkUnavailable records that gpuType was rejected this cycle, for
// ttlSeconds (typically ORCHESTRATOR_CACHE_TTL_SEC).
func (r *Resolver) MarkUnavailable(ctx context.Context, gpuType string, ttlSeconds int) {
	if r.cache == nil {
		return
	}
	_ = r.cache.Put(ctx, keyPrefix+gpuType, true, ttlSeconds)
}
