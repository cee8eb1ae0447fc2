// Package tenant carries the organization/user identity of a job
// through context.Context so downstream calls (LLM, database, chat)
// see consistent identity.
package tenant

import "context"

type contextKey struct{}

// Context is the tenant identity attached to every job payload.
type Context struct {
	OrganizationID string
	UserID         string
	// Unscoped marks system-run work (scheduled jobs) that explicitly
	// bypasses row-level scoping in the relational store.
	Unscoped bool
}

// WithTenant returns a context carrying the tenant identity.
func WithTenant(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext extracts the tenant identity; ok is false when absent.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	return tc, ok
}

// WithoutScoping returns a context for work running as the system.
// Handlers opt in explicitly; there is no ambient escape hatch.
func WithoutScoping(ctx context.Context, organizationID string) context.Context {
	return WithTenant(ctx, Context{OrganizationID: organizationID, Unscoped: true})
}
