// ABOUTME: Tenant context for tracking identity through dispatch calls.
// ABOUTME: Provides WithTenant/FromContext for propagating tenant info via context.

package auth

import (
	"context"
)

// TenantContext holds the ambient identity a dispatch call runs under.
// Business handlers populate it once per request; the dispatcher fails
// fast when it is absent.
type TenantContext struct {
	TenantID string // marketplace tenant owning the hardware
	AgentID  string // optional: pin the call to one agent, else the registry picks
	UserID   string // operator who initiated the request, for audit
}

// tenantContextKey is the key type for storing TenantContext in context.Context.
type tenantContextKey struct{}

// WithTenant returns a new context with the TenantContext attached.
func WithTenant(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

// FromContext retrieves the TenantContext from the context, returning nil
// if not present.
func FromContext(ctx context.Context) *TenantContext {
	val := ctx.Value(tenantContextKey{})
	if val == nil {
		return nil
	}
	tc, ok := val.(*TenantContext)
	if !ok {
		return nil
	}
	return tc
}

// MustFromContext retrieves the TenantContext from the context, panicking
// if not present.
func MustFromContext(ctx context.Context) *TenantContext {
	tc := FromContext(ctx)
	if tc == nil {
		panic("auth: TenantContext not found in context")
	}
	return tc
}
