package finance

import (
	"context"

	"medstaff/internal/tenant"
)

// Store persists revenues and expenses per tenant.
type Store interface {
	CreateRevenue(ctx context.Context, r *Revenue) error
	UpdateRevenue(ctx context.Context, r *Revenue) error
	GetRevenue(ctx context.Context, tenantID tenant.ID, id string) (*Revenue, error)
	ListRevenues(ctx context.Context, tenantID tenant.ID, filter Filter) ([]Revenue, int, error)

	CreateExpense(ctx context.Context, e *Expense) error
	UpdateExpense(ctx context.Context, e *Expense) error
	GetExpense(ctx context.Context, tenantID tenant.ID, id string) (*Expense, error)
	ListExpenses(ctx context.Context, tenantID tenant.ID, filter Filter) ([]Expense, int, error)

	// Totals sums non-cancelled entries per competence month and category
	// for competences in [from, to].
	Totals(ctx context.Context, tenantID tenant.ID, from, to string) (map[string]*Totals, error)
}
