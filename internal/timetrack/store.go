package timetrack

import (
	"context"

	"medstaff/internal/tenant"
)

// Store persists time records per tenant.
type Store interface {
	Create(ctx context.Context, r *TimeRecord) error
	Get(ctx context.Context, tenantID tenant.ID, id string) (*TimeRecord, error)
	// Previous returns the latest record of the employee before date, or nil.
	Previous(ctx context.Context, tenantID tenant.ID, employeeID, date string) (*TimeRecord, error)
	// UpdateEntries rewrites times, notes and findings of a pending record.
	UpdateEntries(ctx context.Context, r *TimeRecord) error
	// Review sets the outcome of a pending record.
	Review(ctx context.Context, r *TimeRecord) error
	List(ctx context.Context, tenantID tenant.ID, filter Filter) ([]TimeRecord, int, error)
	Count(ctx context.Context, tenantID tenant.ID, status Status, onlyIrregular bool, fromDate string) (int, error)
}
