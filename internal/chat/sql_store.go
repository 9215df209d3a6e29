package chat

import (
	"context"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

// SQLStore implements Store on the conversations, conversation_participants
// and messages tables.
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore builds the store on db.
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

const conversationColumns = `id, tenant_id, title, kind, created_by, created_at, last_message_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateConversation implements Store.
func (s *SQLStore) CreateConversation(ctx context.Context, c *Conversation) error {
	return s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO conversations (`+conversationColumns+`, direct_key) VALUES (`+sqlstore.Placeholders(8)+`)`,
			c.ID, string(c.TenantID), c.Title, string(c.Kind), c.CreatedBy, c.CreatedAt, c.LastMessageAt, sqlstore.NullString(c.directKey))
		if err != nil {
			if sqlstore.IsUniqueViolation(err) {
				return errDuplicateDirect
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert conversation")
		}
		for _, userID := range c.Participants {
			if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id, last_read_at) VALUES (?, ?, ?)`,
				c.ID, userID, c.CreatedAt); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert participant")
			}
		}
		return nil
	})
}

// FindDirect implements Store.
func (s *SQLStore) FindDirect(ctx context.Context, tenantID tenant.ID, key string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = ? AND direct_key = ?`,
		string(tenantID), key)
	return s.withParticipants(ctx, row)
}

// GetConversation implements Store.
func (s *SQLStore) GetConversation(ctx context.Context, tenantID tenant.ID, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = ? AND id = ?`,
		string(tenantID), id)
	return s.withParticipants(ctx, row)
}

func (s *SQLStore) withParticipants(ctx context.Context, row rowScanner) (*Conversation, error) {
	c, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	byID, err := s.participants(ctx, []string{c.ID})
	if err != nil {
		return nil, err
	}
	c.Participants = byID[c.ID]
	return c, nil
}

// ListConversations implements Store.
func (s *SQLStore) ListConversations(ctx context.Context, tenantID tenant.ID, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.tenant_id, c.title, c.kind, c.created_by, c.created_at, c.last_message_at,
(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.created_at > p.last_read_at AND m.sender_id <> p.user_id)
FROM conversations c JOIN conversation_participants p ON p.conversation_id = c.id
WHERE c.tenant_id = ? AND p.user_id = ? ORDER BY c.last_message_at DESC, c.id`, string(tenantID), userID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list conversations")
	}
	var (
		out []Conversation
		ids []string
	)
	for rows.Next() {
		var (
			c         Conversation
			tid, kind string
		)
		if err := rows.Scan(&c.ID, &tid, &c.Title, &kind, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt, &c.Unread); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan conversation")
		}
		c.TenantID, c.Kind = tenant.ID(tid), Kind(kind)
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate conversations")
	}
	if len(ids) == 0 {
		return out, nil
	}
	byID, err := s.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Participants = byID[out[i].ID]
	}
	return out, nil
}

func (s *SQLStore) participants(ctx context.Context, conversationIDs []string) (map[string][]string, error) {
	args := make([]any, len(conversationIDs))
	for i, id := range conversationIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_id, user_id FROM conversation_participants
WHERE conversation_id IN (`+sqlstore.Placeholders(len(args))+`) ORDER BY conversation_id, user_id`, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list participants")
	}
	defer rows.Close()
	out := make(map[string][]string, len(conversationIDs))
	for rows.Next() {
		var conversationID, userID string
		if err := rows.Scan(&conversationID, &userID); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan participant")
		}
		out[conversationID] = append(out[conversationID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate participants")
	}
	return out, nil
}

// AddMessage implements Store.
func (s *SQLStore) AddMessage(ctx context.Context, m *Message) error {
	return s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages (id, tenant_id, conversation_id, sender_id, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, string(m.TenantID), m.ConversationID, m.SenderID, m.Body, m.CreatedAt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert message")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message_at = ? WHERE tenant_id = ? AND id = ? AND last_message_at <= ?`,
			m.CreatedAt, string(m.TenantID), m.ConversationID, m.CreatedAt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "touch conversation")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversation_participants SET last_read_at = ? WHERE conversation_id = ? AND user_id = ? AND last_read_at < ?`,
			m.CreatedAt, m.ConversationID, m.SenderID, m.CreatedAt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark sender read")
		}
		return nil
	})
}

// ListMessages implements Store.
func (s *SQLStore) ListMessages(ctx context.Context, tenantID tenant.ID, conversationID string, before Cursor, limit int) ([]Message, error) {
	query := `SELECT id, tenant_id, conversation_id, sender_id, body, created_at FROM messages WHERE tenant_id = ? AND conversation_id = ?`
	args := []any{string(tenantID), conversationID}
	switch {
	case before.At > 0 && before.ID != "":
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, before.At, before.At, before.ID)
	case before.At > 0:
		query += ` AND created_at < ?`
		args = append(args, before.At)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list messages")
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m   Message
			tid string
		)
		if err := rows.Scan(&m.ID, &tid, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan message")
		}
		m.TenantID = tenant.ID(tid)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate messages")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkRead implements Store. The read mark never moves backwards.
func (s *SQLStore) MarkRead(ctx context.Context, conversationID, userID string, at int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE conversation_participants SET last_read_at = ? WHERE conversation_id = ? AND user_id = ? AND last_read_at < ?`,
		at, conversationID, userID, at); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark read")
	}
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c         Conversation
		tid, kind string
	)
	if err := row.Scan(&c.ID, &tid, &c.Title, &kind, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt); err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan conversation")
	}
	c.TenantID, c.Kind = tenant.ID(tid), Kind(kind)
	return &c, nil
}
