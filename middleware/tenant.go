package middleware

import (
	"context"

	"github.com/conveyorhq/conveyor/envelope"
)

type tenantKey struct{}

// Tenant returns middleware that injects the job's tenant ID into the
// context so handlers and downstream stores see the same tenant as the
// original enqueue caller.
func Tenant() Middleware {
	return func(ctx context.Context, j *envelope.WorkerJob, next Handler) error {
		if j.TenantID != "" {
			ctx = context.WithValue(ctx, tenantKey{}, j.TenantID)
		}
		return next(ctx)
	}
}

// TenantFrom extracts the tenant ID injected by [Tenant].
func TenantFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(tenantKey{}).(string)
	return s, ok
}
