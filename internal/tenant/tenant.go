// Package tenant carries the tenant a request acts on and the tenant registry.
package tenant

import (
	"context"
	"strings"

	xerrors "medstaff/internal/errors"
)

// ID identifies a tenant (a clinic, company or business unit).
type ID string

// Tenant is a registered organisation.
type Tenant struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

// ErrMissingTenant is returned when a request reaches a tenant-scoped
// operation without a tenant in its context.
var ErrMissingTenant = xerrors.New(xerrors.CodeUnauthenticated, "tenant not resolved")

type tenantKey struct{}

// WithTenant stores id in ctx.
func WithTenant(ctx context.Context, id ID) context.Context {
	if strings.TrimSpace(string(id)) == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, id)
}

// FromContext returns the tenant stored in ctx, if any.
func FromContext(ctx context.Context) (ID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(tenantKey{}).(ID)
	return id, ok && id != ""
}

// Require returns the tenant stored in ctx or ErrMissingTenant.
func Require(ctx context.Context) (ID, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", ErrMissingTenant
	}
	return id, nil
}
