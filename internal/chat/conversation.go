// Package chat implements tenant-internal conversations between users.
package chat

import (
	"sort"
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
)

// Kind distinguishes one-to-one from group conversations.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

const (
	// MaxBodyLength is the longest message body, in characters.
	MaxBodyLength = 4000
	// MaxGroupSize bounds the participants of a group conversation.
	MaxGroupSize = 100
)

const CodeNotParticipant xerrors.Code = "CHAT_NOT_PARTICIPANT"

func init() {
	xerrors.Register(CodeNotParticipant, xerrors.Attributes{
		Message:    "not a participant of this conversation",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 403,
	})
}

var (
	ErrNotFound        = xerrors.New(xerrors.CodeNotFound, "conversation not found")
	ErrNotParticipant  = xerrors.New(CodeNotParticipant, "not a participant of this conversation")
	errDuplicateDirect = xerrors.New(xerrors.CodeConflict, "direct conversation already exists")
	errNoActor         = xerrors.New(xerrors.CodeUnauthenticated, "chat requires an authenticated user")
)

// Conversation groups participants and their messages. Timestamps are unix
// milliseconds.
type Conversation struct {
	ID            string    `json:"id"`
	TenantID      tenant.ID `json:"tenant_id"`
	Title         string    `json:"title"`
	Kind          Kind      `json:"kind"`
	Participants  []string  `json:"participants"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     int64     `json:"created_at"`
	LastMessageAt int64     `json:"last_message_at"`
	Unread        int       `json:"unread"`

	directKey string
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is one chat message.
type Message struct {
	ID             string    `json:"id"`
	TenantID       tenant.ID `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      int64     `json:"created_at"`
}

// Cursor is a position in a conversation's history, ordered by creation
// time and then id. The zero value is the newest end.
type Cursor struct {
	At int64  `json:"at"`
	ID string `json:"id,omitempty"`
}

// Cursor returns the position of m, so paging resumes just before it.
func (m Message) Cursor() Cursor {
	return Cursor{At: m.CreatedAt, ID: m.ID}
}

// directKey identifies the direct conversation between two users regardless
// of who started it.
func directKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// uniqueParticipants trims, drops empties and dedupes ids, keeping order.
func uniqueParticipants(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
