package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/pkg/logger"
)

// Channel delivers a notification to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// InAppChannel is the in-app inbox. Persisting the row is the delivery, so
// it only logs.
type InAppChannel struct{}

// Name implements Channel.
func (InAppChannel) Name() string { return "in_app" }

// Deliver implements Channel.
func (InAppChannel) Deliver(_ context.Context, n *Notification) error {
	logger.Named("notify").Debug("in-app notification stored",
		"notification_id", n.ID, "user_id", n.UserID, "kind", string(n.Kind))
	return nil
}

// WebhookConfig configures WebhookChannel.
type WebhookConfig struct {
	URL      string
	Attempts uint
	Delay    time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// WebhookChannel POSTs the notification as JSON, retrying transport errors
// and 5xx answers.
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookChannel validates cfg and fills in defaults.
func NewWebhookChannel(cfg WebhookConfig) (*WebhookChannel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "webhook url cannot be empty")
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookChannel{cfg: cfg, client: client}, nil
}

// Name implements Channel.
func (c *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	ID        string            `json:"id"`
	Tenant    tenant.ID         `json:"tenant_id"`
	UserID    string            `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Deliver implements Channel.
func (c *WebhookChannel) Deliver(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID: n.ID, Tenant: n.TenantID, UserID: n.UserID, Kind: n.Kind,
		Title: n.Title, Body: n.Body, Metadata: n.Metadata, CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "encode webhook payload", xerrors.WithRetryable(false))
	}

	err = retry.Do(func() error {
		return c.post(ctx, n.ID, body)
	},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Named("notify").Warn("webhook delivery retry",
				"notification_id", n.ID, "attempt", attempt+1, "error", err.Error())
		}),
	)
	if err != nil {
		var coded *xerrors.Error
		if errors.As(err, &coded) {
			return coded
		}
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "webhook delivery")
	}
	return nil
}

func (c *WebhookChannel) post(ctx context.Context, id string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "build webhook request", xerrors.WithRetryable(false)))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MedStaff-Notification", id)
	resp, err := c.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "webhook request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode >= 500:
		return xerrors.New(xerrors.CodeDeliveryFailure, fmt.Sprintf("webhook answered %s", resp.Status))
	case resp.StatusCode >= 400:
		return retry.Unrecoverable(xerrors.New(xerrors.CodeDeliveryFailure,
			fmt.Sprintf("webhook rejected notification: %s", resp.Status), xerrors.WithRetryable(false)))
	}
	return nil
}

// AddressBook resolves the e-mail address of a user.
type AddressBook interface {
	EmailForUser(ctx context.Context, tenantID tenant.ID, userID string) (string, error)
}

// SMTPConfig configures EmailChannel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends the notification by SMTP to the address the
// AddressBook returns. Users without an address are skipped.
type EmailChannel struct {
	cfg      SMTPConfig
	book     AddressBook
	sendMail SendMailFunc
}

// NewEmailChannel validates cfg.
func NewEmailChannel(cfg SMTPConfig, book AddressBook) (*EmailChannel, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "smtp host and from are required")
	}
	if book == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "email channel requires an address book")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailChannel{cfg: cfg, book: book, sendMail: smtp.SendMail}, nil
}

// Name implements Channel.
func (c *EmailChannel) Name() string { return "email" }

// Deliver implements Channel.
func (c *EmailChannel) Deliver(ctx context.Context, n *Notification) error {
	to, err := c.book.EmailForUser(ctx, n.TenantID, n.UserID)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if to == "" {
		return nil
	}
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	if err := c.sendMail(addr, auth, c.cfg.From, []string{to}, buildMessage(c.cfg.From, to, n)); err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "smtp send")
	}
	return nil
}

func buildMessage(from, to string, n *Notification) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: [MedStaff] %s\r\n", sanitizeHeader(n.Title))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(n.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
