// Package notify persists user notifications and delivers them through a
// queue-backed worker pool.
package notify

import (
	"encoding/json"
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
)

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Kind classifies notifications for filtering in the UI.
type Kind string

const (
	KindLeadStageChanged Kind = "lead_stage_changed"
	KindContractExpiring Kind = "contract_expiring"
	KindTimeIrregularity Kind = "time_irregularity"
	KindTimeReviewed     Kind = "time_reviewed"
	KindChatMessage      Kind = "chat_message"
	KindSystem           Kind = "system"
)

// Notification is a message addressed to one user.
type Notification struct {
	ID         string            `json:"id"`
	TenantID   tenant.ID         `json:"tenant_id"`
	UserID     string            `json:"user_id"`
	Kind       Kind              `json:"kind"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	ReadAt     int64             `json:"read_at,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Read reports whether the recipient has seen the notification.
func (n *Notification) Read() bool {
	return n.ReadAt > 0
}

// Input is what domain services pass to Service.Send.
type Input struct {
	UserID   string
	Kind     Kind
	Title    string
	Body     string
	Metadata map[string]string
}

const (
	CodeNotificationNotFound  xerrors.Code = "NOTIFICATION_NOT_FOUND"
	CodeNotificationConflict  xerrors.Code = "NOTIFICATION_CONFLICT"
	CodeNotificationDelivered xerrors.Code = "NOTIFICATION_DELIVERED"
	CodeNotificationExhausted xerrors.Code = "NOTIFICATION_RETRIES_EXHAUSTED"
	CodeNotificationPublish   xerrors.Code = "NOTIFICATION_PUBLISH_FAILED"
)

var (
	ErrNotFound  = xerrors.New(CodeNotificationNotFound, "notification not found")
	ErrConflict  = xerrors.New(CodeNotificationConflict, "notification is being delivered")
	ErrDelivered = xerrors.New(CodeNotificationDelivered, "notification already delivered")
	ErrExhausted = xerrors.New(CodeNotificationExhausted, "notification retries exhausted")
)

func init() {
	xerrors.Register(CodeNotificationNotFound, xerrors.Attributes{
		Message:    "notification not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeNotificationConflict, xerrors.Attributes{
		Message:    "notification is being delivered",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeNotificationDelivered, xerrors.Attributes{
		Message:    "notification already delivered",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeNotificationExhausted, xerrors.Attributes{
		Message:    "notification retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeNotificationPublish, xerrors.Attributes{
		Message:   "failed to publish notification",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func validateInput(in Input) error {
	fields := map[string]string{}
	if strings.TrimSpace(in.UserID) == "" {
		fields["user_id"] = "obrigatório"
	}
	if strings.TrimSpace(in.Title) == "" {
		fields["title"] = "obrigatório"
	} else if len([]rune(in.Title)) > 255 {
		fields["title"] = "máximo de 255 caracteres"
	}
	if in.Kind == "" {
		fields["kind"] = "obrigatório"
	}
	return xerrors.Validation(fields)
}

func encodeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeMetadata(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil
	}
	return metadata
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
