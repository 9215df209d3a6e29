package notify

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

// DefaultClaimLease bounds how long a sending row belongs to its worker.
const DefaultClaimLease = 2 * time.Minute

// SQLStore keeps notifications in the notifications table.
type SQLStore struct {
	db    *sqlstore.DB
	now   func() time.Time
	lease time.Duration
}

// SQLStoreOption customises a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithClaimLease sets how long a claimed row stays owned by its worker.
func WithClaimLease(d time.Duration) SQLStoreOption {
	return func(s *SQLStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithStoreClock overrides the clock used for timestamps and leases.
func WithStoreClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLStore builds the store on db.
func NewSQLStore(db *sqlstore.DB, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now, lease: DefaultClaimLease}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SQLStore) staleBefore() int64 {
	return s.now().Add(-s.lease).Unix()
}

const notificationColumns = `id, tenant_id, user_id, kind, title, body, metadata, status, attempts, max_retries, last_error, error_code, read_at, created_at, updated_at`

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, n *Notification) error {
	if n == nil || n.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "notification id cannot be empty")
	}
	now := s.now().Unix()
	if n.CreatedAt == 0 {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`) VALUES (`+sqlstore.Placeholders(15)+`)`,
		n.ID, string(n.TenantID), n.UserID, string(n.Kind), n.Title, n.Body, encodeMetadata(n.Metadata),
		string(n.Status), n.Attempts, n.MaxRetries, n.LastError, n.ErrorCode, n.ReadAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert notification")
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	return scanNotification(row)
}

// Claim implements Store. The conditional update makes concurrent claims of
// the same id race-free: only one worker sees RowsAffected == 1.
func (s *SQLStore) Claim(ctx context.Context, id string) (*Notification, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	staleBefore := s.staleBefore()
	switch current.Status {
	case StatusDelivered:
		return current, ErrDelivered
	case StatusSending:
		if current.UpdatedAt >= staleBefore {
			return current, ErrConflict
		}
	}
	if current.Attempts >= current.MaxRetries {
		if current.Status == StatusSending {
			return current, s.abandon(ctx, current, staleBefore)
		}
		return current, ErrExhausted
	}
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET status = ?, attempts = attempts + 1, updated_at = ?
WHERE id = ? AND attempts = ? AND (status IN (?, ?) OR (status = ? AND updated_at < ?))`,
		string(StatusSending), s.now().Unix(), id, current.Attempts,
		string(StatusPending), string(StatusFailed), string(StatusSending), staleBefore)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim notification")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return current, ErrConflict
	}
	current.Status = StatusSending
	current.Attempts++
	return current, nil
}

// abandon closes a stale sending row that has no attempts left.
func (s *SQLStore) abandon(ctx context.Context, current *Notification, staleBefore int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET status = ?, error_code = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = ? AND updated_at < ?`,
		string(StatusFailed), string(xerrors.CodeDeliveryFailure), "delivery interrupted", s.now().Unix(),
		current.ID, string(StatusSending), staleBefore)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "abandon notification")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	current.Status = StatusFailed
	return ErrExhausted
}

// Recoverable implements Store, oldest first.
func (s *SQLStore) Recoverable(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM notifications
WHERE (status IN (?, ?) AND attempts < max_retries) OR (status = ? AND updated_at < ?)
ORDER BY created_at, id LIMIT ?`,
		string(StatusPending), string(StatusFailed), string(StatusSending), s.staleBefore(), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list recoverable notifications")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan recoverable notification")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate recoverable notifications")
	}
	return ids, nil
}

// MarkDelivered implements Store.
func (s *SQLStore) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET status = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		string(StatusDelivered), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark notification delivered")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed implements Store. Non-terminal failures stay claimable.
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code, lastError string, terminal bool) error {
	query := `UPDATE notifications SET status = ?, error_code = ?, last_error = ?, updated_at = ? WHERE id = ?`
	args := []any{string(StatusFailed), code, truncate(lastError, 1000), s.now().Unix(), id}
	if terminal {
		query = `UPDATE notifications SET status = ?, error_code = ?, last_error = ?, updated_at = ?, attempts = max_retries WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark notification failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Store, newest first.
func (s *SQLStore) List(ctx context.Context, tenantID tenant.ID, userID string, opts ListOptions) ([]Notification, error) {
	opts.applyDefaults()
	var (
		where strings.Builder
		args  = []any{string(tenantID), userID}
	)
	where.WriteString(`tenant_id = ? AND user_id = ?`)
	if opts.UnreadOnly {
		where.WriteString(` AND read_at = 0`)
	}
	if len(opts.Kinds) > 0 {
		where.WriteString(` AND kind IN (` + sqlstore.Placeholders(len(opts.Kinds)) + `)`)
		for _, kind := range opts.Kinds {
			args = append(args, string(kind))
		}
	}
	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE `+where.String()+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list notifications")
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate notifications")
	}
	return out, nil
}

// MarkRead implements Store. Marking an already read notification is a no-op.
func (s *SQLStore) MarkRead(ctx context.Context, tenantID tenant.ID, userID, id string, at int64) error {
	var readAt int64
	err := s.db.QueryRowContext(ctx, `SELECT read_at FROM notifications WHERE id = ? AND tenant_id = ? AND user_id = ?`,
		id, string(tenantID), userID).Scan(&readAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load notification")
	}
	if readAt > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE notifications SET read_at = ? WHERE id = ?`, at, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark notification read")
	}
	return nil
}

// MarkAllRead implements Store and returns how many were marked.
func (s *SQLStore) MarkAllRead(ctx context.Context, tenantID tenant.ID, userID string, at int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read_at = ? WHERE tenant_id = ? AND user_id = ? AND read_at = 0`,
		at, string(tenantID), userID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark all notifications read")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnreadCount implements Store.
func (s *SQLStore) UnreadCount(ctx context.Context, tenantID tenant.ID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE tenant_id = ? AND user_id = ? AND read_at = 0`,
		string(tenantID), userID).Scan(&count)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count unread notifications")
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n                              Notification
		tenantID, kind, status, rawMet string
	)
	err := row.Scan(&n.ID, &tenantID, &n.UserID, &kind, &n.Title, &n.Body, &rawMet, &status,
		&n.Attempts, &n.MaxRetries, &n.LastError, &n.ErrorCode, &n.ReadAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan notification")
	}
	n.TenantID = tenant.ID(tenantID)
	n.Kind = Kind(kind)
	n.Status = Status(status)
	n.Metadata = decodeMetadata(rawMet)
	return &n, nil
}

// truncate keeps at most max bytes of s without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
