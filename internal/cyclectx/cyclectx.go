// Package cyclectx propagates the current control-loop cycle number through
// context.Context, so every adapter call and log line downstream of the
// driver can be tagged with it without a package-level mutable global.
package cyclectx

import "context"

type ctxKey struct{}

// With returns a context carrying the given cycle number.
func With(ctx context.Context, cycle int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, cycle)
}

// From returns the cycle number carried by ctx, or 0 if none was set.
func From(ctx context.Context) int64 {
	v, ok := ctx.Value(ctxKey{}).(int64)
	if !ok {
		return 0
	}
	return v
}
