package chat

import (
	"context"

	"medstaff/internal/tenant"
)

// Store persists conversations and messages.
type Store interface {
	// CreateConversation inserts c with its participants. A second direct
	// conversation for the same pair fails with a conflict.
	CreateConversation(ctx context.Context, c *Conversation) error
	FindDirect(ctx context.Context, tenantID tenant.ID, key string) (*Conversation, error)
	GetConversation(ctx context.Context, tenantID tenant.ID, id string) (*Conversation, error)
	// ListConversations returns the conversations of userID, most recent
	// activity first, with Unread filled for that user.
	ListConversations(ctx context.Context, tenantID tenant.ID, userID string) ([]Conversation, error)
	// AddMessage stores m, bumps the conversation activity and marks it read
	// for the sender.
	AddMessage(ctx context.Context, m *Message) error
	// ListMessages returns up to limit messages strictly before the cursor,
	// oldest first.
	ListMessages(ctx context.Context, tenantID tenant.ID, conversationID string, before Cursor, limit int) ([]Message, error)
	MarkRead(ctx context.Context, conversationID, userID string, at int64) error
}
