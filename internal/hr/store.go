package hr

import (
	"context"

	"medstaff/internal/tenant"
)

// Store persists employees per tenant.
type Store interface {
	Create(ctx context.Context, e *Employee) error
	Update(ctx context.Context, e *Employee) error
	Get(ctx context.Context, tenantID tenant.ID, id string) (*Employee, error)
	GetByUserID(ctx context.Context, tenantID tenant.ID, userID string) (*Employee, error)
	List(ctx context.Context, tenantID tenant.ID, filter Filter) ([]Employee, int, error)
	SetStatus(ctx context.Context, tenantID tenant.ID, id string, status Status, terminationDate string, at int64) error
	CountByStatus(ctx context.Context, tenantID tenant.ID) (map[Status]int, error)
}
