package notify

import (
	"context"

	"medstaff/internal/tenant"
)

// Store persists notifications and their delivery state.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	// Claim moves a pending or failed notification to sending and counts the
	// attempt. A sending row whose lease expired is taken over.
	Claim(ctx context.Context, id string) (*Notification, error)
	// Recoverable lists ids left undelivered by a previous run: pending,
	// failed with retries left, and sending past the lease.
	Recoverable(ctx context.Context, limit int) ([]string, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, code, lastError string, terminal bool) error
	List(ctx context.Context, tenantID tenant.ID, userID string, opts ListOptions) ([]Notification, error)
	MarkRead(ctx context.Context, tenantID tenant.ID, userID, id string, at int64) error
	MarkAllRead(ctx context.Context, tenantID tenant.ID, userID string, at int64) (int64, error)
	UnreadCount(ctx context.Context, tenantID tenant.ID, userID string) (int, error)
}
