package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/pkg/logger"
)

// Service is the entry point for sending and reading notifications.
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

// NewService builds a Service. maxRetries bounds delivery attempts.
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		store:      store,
		producer:   producer,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     logger.Named("notify"),
	}
}

// Send persists the notification for the tenant in ctx and queues delivery.
// The row stays pending if publishing fails, so it is still visible in-app.
func (s *Service) Send(ctx context.Context, in Input) (*Notification, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := validateInput(in); err != nil {
		return nil, err
	}
	now := s.now().Unix()
	n := &Notification{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		UserID:     in.UserID,
		Kind:       in.Kind,
		Title:      in.Title,
		Body:       in.Body,
		Metadata:   cloneMetadata(in.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, n); err != nil {
		return nil, err
	}
	if s.producer != nil {
		if err := s.producer.Publish(ctx, n.ID); err != nil {
			s.logger.Error("publish notification failed", "notification_id", n.ID, "error", err)
			return n, xerrors.Wrap(CodeNotificationPublish, err, "queue notification")
		}
	}
	return n, nil
}

// List returns the caller's notifications.
func (s *Service) List(ctx context.Context, userID string, opts ...ListOption) ([]Notification, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, tenantID, userID, buildListOptions(opts))
}

// MarkRead marks one of the caller's notifications as read.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	return s.store.MarkRead(ctx, tenantID, userID, id, s.now().Unix())
}

// MarkAllRead marks every unread notification of the caller as read.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	return s.store.MarkAllRead(ctx, tenantID, userID, s.now().Unix())
}

// UnreadCount returns the caller's unread total.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, tenantID, userID)
}
