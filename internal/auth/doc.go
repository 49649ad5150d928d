// Package auth provides identity for both directions of the bridge.
//
// Agent connections carry a JWT (HS256) whose subject is the agent id
// and whose "tid" claim is the tenant id. Cloud-side callers carry a
// TenantContext on their context.Context; the dispatcher reads it to
// scope every command to a tenant.
package auth
