package plugin

import "context"

type forceKey struct{}

// WithForce marks ctx as belonging to a forced run, in which tasks must
// reprocess everything rather than only what changed.
func WithForce(ctx context.Context, force bool) context.Context {
	return context.WithValue(ctx, forceKey{}, force)
}

// IsForced reports whether ctx belongs to a forced run
func IsForced(ctx context.Context) bool {
	force, _ := ctx.Value(forceKey{}).(bool)
	return force
}
