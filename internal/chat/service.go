package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"medstaff/internal/auth"
	xerrors "medstaff/internal/errors"
	"medstaff/internal/notify"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
	"medstaff/pkg/logger"
)

// Notifier delivers user notifications. *notify.Service satisfies it.
type Notifier interface {
	Send(ctx context.Context, in notify.Input) (*notify.Notification, error)
}

// Directory lists the users allowed to chat. *auth.Service satisfies it.
type Directory interface {
	UsersWithPermission(ctx context.Context, tenantID tenant.ID, perm auth.Permission) ([]string, error)
}

// Option customises a Service.
type Option func(*Service)

// WithBroker replaces the default in-process broker.
func WithBroker(b Broker) Option {
	return func(s *Service) { s.broker = b }
}

// WithNotifier sends a notification to the other participants of every
// message.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithDirectory restricts participants to users holding chat:use.
func WithDirectory(d Directory) Option {
	return func(s *Service) { s.directory = d }
}

// Service implements conversations for the user in the request context.
type Service struct {
	store     Store
	broker    Broker
	notifier  Notifier
	directory Directory
	now       func() time.Time
	logger    *slog.Logger
}

// NewService builds a Service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: logger.Named("chat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = NewLocalBroker(0)
	}
	return s
}

func caller(ctx context.Context) (tenant.ID, string, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return "", "", err
	}
	actor := auth.ActorID(ctx)
	if actor == "" {
		return "", "", errNoActor
	}
	return tenantID, actor, nil
}

// StartDirect returns the direct conversation between the caller and
// otherUserID, creating it on first use.
func (s *Service) StartDirect(ctx context.Context, otherUserID string) (*Conversation, error) {
	tenantID, actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" || otherUserID == actor {
		return nil, xerrors.Validation(map[string]string{"user_id": "informe outro usuário"})
	}
	if err := s.checkMembers(ctx, tenantID, []string{otherUserID}); err != nil {
		return nil, err
	}
	key := directKey(actor, otherUserID)
	existing, err := s.store.FindDirect(ctx, tenantID, key)
	if err == nil {
		return existing, nil
	}
	if !xerrors.IsCode(err, xerrors.CodeNotFound) {
		return nil, err
	}
	now := s.now().UnixMilli()
	c := &Conversation{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Kind:          KindDirect,
		Participants:  uniqueParticipants(actor, otherUserID),
		CreatedBy:     actor,
		CreatedAt:     now,
		LastMessageAt: now,
		directKey:     key,
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		if xerrors.IsCode(err, xerrors.CodeConflict) {
			return s.store.FindDirect(ctx, tenantID, key)
		}
		return nil, err
	}
	s.logger.Info("direct conversation started", "tenant_id", string(tenantID), "conversation_id", c.ID)
	return c, nil
}

// CreateGroup opens a titled conversation between the caller and
// participants.
func (s *Service) CreateGroup(ctx context.Context, title string, participants []string) (*Conversation, error) {
	tenantID, actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	members := uniqueParticipants(append([]string{actor}, participants...)...)
	f := validate.Fields{}
	if f.Required("title", title) {
		f.MaxLen("title", title, 255)
	}
	switch {
	case len(members) < 2:
		f.Add("participants", "informe ao menos um participante além de você")
	case len(members) > MaxGroupSize:
		f.Add("participants", "máximo de 100 participantes")
	}
	if err := xerrors.Validation(f); err != nil {
		return nil, err
	}
	if err := s.checkMembers(ctx, tenantID, members[1:]); err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	c := &Conversation{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Title:         title,
		Kind:          KindGroup,
		Participants:  members,
		CreatedBy:     actor,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("group conversation created", "tenant_id", string(tenantID), "conversation_id", c.ID, "participants", len(members))
	return c, nil
}

func (s *Service) checkMembers(ctx context.Context, tenantID tenant.ID, userIDs []string) error {
	if s.directory == nil {
		return nil
	}
	allowed, err := s.directory.UsersWithPermission(ctx, tenantID, auth.PermChatUse)
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	for _, id := range userIDs {
		if _, ok := set[id]; !ok {
			return xerrors.Validation(map[string]string{"participants": "usuário " + id + " não pode participar do chat"})
		}
	}
	return nil
}

// Conversations lists the caller's conversations with unread counts.
func (s *Service) Conversations(ctx context.Context) ([]Conversation, error) {
	tenantID, actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListConversations(ctx, tenantID, actor)
}

// Get returns a conversation the caller participates in.
func (s *Service) Get(ctx context.Context, id string) (*Conversation, error) {
	tenantID, actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.participating(ctx, tenantID, actor, id)
}

func (s *Service) participating(ctx context.Context, tenantID tenant.ID, actor, id string) (*Conversation, error) {
	c, err := s.store.GetConversation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(actor) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// Post appends a message, publishes it to live subscribers and notifies the
// other participants.
func (s *Service) Post(ctx context.Context, conversationID, body string) (*Message, error) {
	tenantID, actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	switch n := utf8.RuneCountInString(body); {
	case n == 0:
		return nil, xerrors.Validation(map[string]string{"body": "obrigatório"})
	case n > MaxBodyLength:
		return nil, xerrors.Validation(map[string]string{"body": "máximo de 4000 caracteres"})
	}
	c, err := s.participating(ctx, tenantID, actor, conversationID)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ConversationID: c.ID,
		SenderID:       actor,
		Body:           body,
		CreatedAt:      s.now().UnixMilli(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := s.broker.Publish(ctx, topicFor(m), *m); err != nil {
		s.logger.Warn("publish chat message failed", "conversation_id", c.ID, "message_id", m.ID, "error", err)
	}
	s.notifyParticipants(ctx, c, m)
	return m, nil
}

func (s *Service) notifyParticipants(ctx context.Context, c *Conversation, m *Message) {
	if s.notifier == nil {
		return
	}
	title := "Nova mensagem"
	if c.Kind == KindGroup {
		title = "Nova mensagem em " + c.Title
	}
	for _, userID := range c.Participants {
		if userID == m.SenderID {
			continue
		}
		_, err := s.notifier.Send(ctx, notify.Input{
			UserID: userID,
			Kind:   notify.KindChatMessage,
			Title:  title,
			Body:   preview(m.Body, 140),
			Metadata: map[string]string{
				"conversation_id": c.ID,
				"message_id":      m.ID,
				"sender_id":       m.SenderID,
			},
		})
		if err != nil {
			s.logger.Warn("send notification failed", "kind", string(notify.KindChatMessage), "user_id", userID, "error", err)
		}
	}
}

func preview(body string, max int) string {
	if utf8.RuneCountInString(body) <= max {
		return body
	}
	runes := []rune(body)
	return string(runes[:max-1]) + "…"
}

// Messages pages backwards through a conversation: up to limit messages
// before the cursor, oldest first. Pass the first message's Cursor to get the
// previous page.
func (s *Service) Messages(ctx context.Context, conversationID string, before Cursor, limit int) ([]Message, error) {
	tenantID, actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.participating(ctx, tenantID, actor, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListMessages(ctx, tenantID, conversationID, before, limit)
}

// MarkRead marks every message of the conversation read for the caller.
func (s *Service) MarkRead(ctx context.Context, conversationID string) error {
	tenantID, actor, err := caller(ctx)
	if err != nil {
		return err
	}
	if _, err := s.participating(ctx, tenantID, actor, conversationID); err != nil {
		return err
	}
	return s.store.MarkRead(ctx, conversationID, actor, s.now().UnixMilli())
}

// UnreadCount sums the caller's unread messages over all conversations.
func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	list, err := s.Conversations(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range list {
		total += c.Unread
	}
	return total, nil
}

// Subscribe streams the messages posted to a conversation the caller
// participates in until cancel is called or ctx ends.
func (s *Service) Subscribe(ctx context.Context, conversationID string) (<-chan Message, func(), error) {
	tenantID, actor, err := caller(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.participating(ctx, tenantID, actor, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return s.broker.Subscribe(ctx, string(tenantID)+":"+c.ID)
}
