package storage

import "context"

type tenantKey struct{}

// SetTenant scopes ctx to a tenant. Tenants are compared as given; callers
// pass the lowercased Fiware-Service.
func SetTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// GetTenant returns the tenant of ctx. The empty string is the default
// tenant, a namespace of its own.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}
