package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"medstaff/internal/auth"
	xerrors "medstaff/internal/errors"
	"medstaff/internal/notify"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Input
}

func (r *recordingNotifier) Send(_ context.Context, in notify.Input) (*notify.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, in)
	return &notify.Notification{UserID: in.UserID, Kind: in.Kind}, nil
}

func (r *recordingNotifier) inputs() []notify.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Input(nil), r.sent...)
}

type staticDirectory []string

func (d staticDirectory) UsersWithPermission(context.Context, tenant.ID, auth.Permission) ([]string, error) {
	return d, nil
}

func newService(t *testing.T) (*Service, *recordingNotifier) {
	t.Helper()
	db, err := sqlstore.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	notifier := &recordingNotifier{}
	svc := NewService(NewSQLStore(db),
		WithNotifier(notifier),
		WithDirectory(staticDirectory{"u-ana", "u-bia", "u-caio"}),
	)
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, notifier
}

func userCtx(tenantID tenant.ID, userID string) context.Context {
	ctx := tenant.WithTenant(context.Background(), tenantID)
	return auth.WithSubject(ctx, &auth.Subject{ID: userID, TenantID: tenantID, Roles: []auth.Role{auth.RoleColaborador}})
}

func TestStartDirectIsDeduplicated(t *testing.T) {
	svc, _ := newService(t)
	ana, bia := userCtx("t1", "u-ana"), userCtx("t1", "u-bia")

	first, err := svc.StartDirect(ana, "u-bia")
	require.NoError(t, err)
	assert.Equal(t, KindDirect, first.Kind)
	assert.ElementsMatch(t, []string{"u-ana", "u-bia"}, first.Participants)

	again, err := svc.StartDirect(ana, "u-bia")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	reverse, err := svc.StartDirect(bia, " u-ana ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, reverse.ID)

	_, err = svc.StartDirect(ana, "u-ana")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	_, err = svc.StartDirect(ana, "u-estranho")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	_, err = svc.StartDirect(tenant.WithTenant(context.Background(), "t1"), "u-bia")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeUnauthenticated))

	other, err := svc.StartDirect(userCtx("t2", "u-ana"), "u-bia")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCreateGroupValidation(t *testing.T) {
	svc, _ := newService(t)
	ana := userCtx("t1", "u-ana")

	_, err := svc.CreateGroup(ana, " ", []string{"u-ana"})
	require.True(t, xerrors.IsCode(err, xerrors.CodeValidation))
	e, _ := xerrors.From(err)
	assert.Contains(t, e.Fields(), "title")
	assert.Contains(t, e.Fields(), "participants")

	group, err := svc.CreateGroup(ana, "Plantão UTI", []string{"u-bia", "u-caio", "u-bia"})
	require.NoError(t, err)
	assert.Equal(t, KindGroup, group.Kind)
	assert.Equal(t, []string{"u-ana", "u-bia", "u-caio"}, group.Participants)

	got, err := svc.Get(userCtx("t1", "u-caio"), group.ID)
	require.NoError(t, err)
	assert.Equal(t, "Plantão UTI", got.Title)
	assert.ElementsMatch(t, group.Participants, got.Participants)

	_, err = svc.Get(userCtx("t2", "u-ana"), group.ID)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
}

func TestPostReadAndUnread(t *testing.T) {
	svc, notifier := newService(t)
	ana, bia, caio := userCtx("t1", "u-ana"), userCtx("t1", "u-bia"), userCtx("t1", "u-caio")

	direct, err := svc.StartDirect(ana, "u-bia")
	require.NoError(t, err)

	_, err = svc.Post(caio, direct.ID, "oi")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.Post(ana, direct.ID, "   ")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))
	_, err = svc.Post(ana, direct.ID, strings.Repeat("á", MaxBodyLength+1))
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	m1, err := svc.Post(ana, direct.ID, "Bom dia! Pode cobrir o plantão de sábado?")
	require.NoError(t, err)
	_, err = svc.Post(ana, direct.ID, strings.Repeat("á", MaxBodyLength))
	require.NoError(t, err)
	m3, err := svc.Post(ana, direct.ID, "Obrigada")
	require.NoError(t, err)

	sent := notifier.inputs()
	require.Len(t, sent, 3)
	assert.Equal(t, "u-bia", sent[0].UserID)
	assert.Equal(t, notify.KindChatMessage, sent[0].Kind)
	assert.Equal(t, direct.ID, sent[0].Metadata["conversation_id"])
	assert.Equal(t, 140, len([]rune(sent[1].Body)))

	n, err := svc.UnreadCount(bia)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = svc.UnreadCount(ana)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := svc.Conversations(bia)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Unread)
	assert.Equal(t, m3.CreatedAt, list[0].LastMessageAt)

	require.NoError(t, svc.MarkRead(bia, direct.ID))
	n, err = svc.UnreadCount(bia)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, svc.MarkRead(caio, direct.ID), ErrNotParticipant)

	page, err := svc.Messages(bia, direct.ID, Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, m3.ID, page[1].ID)

	older, err := svc.Messages(bia, direct.ID, page[0].Cursor(), 2)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, m1.ID, older[0].ID)

	_, err = svc.Messages(caio, direct.ID, Cursor{}, 10)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMessagesPagingKeepsSameMillisecond(t *testing.T) {
	svc, _ := newService(t)
	frozen := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return frozen }
	ana, bia := userCtx("t1", "u-ana"), userCtx("t1", "u-bia")

	direct, err := svc.StartDirect(ana, "u-bia")
	require.NoError(t, err)
	posted := map[string]bool{}
	for _, body := range []string{"um", "dois", "três"} {
		m, err := svc.Post(ana, direct.ID, body)
		require.NoError(t, err)
		posted[m.ID] = true
	}

	seen := map[string]bool{}
	cursor := Cursor{}
	for pages := 0; pages < 5; pages++ {
		page, err := svc.Messages(bia, direct.ID, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			require.False(t, seen[m.ID], "message %s returned twice", m.ID)
			seen[m.ID] = true
		}
		cursor = page[0].Cursor()
	}
	assert.Equal(t, posted, seen)
}

func TestConversationsOrderedByActivity(t *testing.T) {
	svc, _ := newService(t)
	ana := userCtx("t1", "u-ana")

	withBia, err := svc.StartDirect(ana, "u-bia")
	require.NoError(t, err)
	withCaio, err := svc.StartDirect(ana, "u-caio")
	require.NoError(t, err)
	_, err = svc.Post(ana, withBia.ID, "primeiro")
	require.NoError(t, err)

	list, err := svc.Conversations(ana)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, withBia.ID, list[0].ID)
	assert.Equal(t, withCaio.ID, list[1].ID)
}

func TestSubscribeReceivesPostedMessages(t *testing.T) {
	svc, _ := newService(t)
	ana, bia := userCtx("t1", "u-ana"), userCtx("t1", "u-bia")
	direct, err := svc.StartDirect(ana, "u-bia")
	require.NoError(t, err)

	_, _, err = svc.Subscribe(userCtx("t1", "u-caio"), direct.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	stream, cancel, err := svc.Subscribe(bia, direct.ID)
	require.NoError(t, err)

	posted, err := svc.Post(ana, direct.ID, "chegando")
	require.NoError(t, err)

	select {
	case got := <-stream:
		assert.Equal(t, posted.ID, got.ID)
		assert.Equal(t, "chegando", got.Body)
	case <-time.After(time.Second):
		t.Fatal("message not streamed")
	}

	cancel()
	_, open := <-stream
	assert.False(t, open)
}

func TestLocalBroker(t *testing.T) {
	b := NewLocalBroker(1)
	ctx, cancel := context.WithCancel(context.Background())

	stream, unsubscribe, err := b.Subscribe(ctx, "t1:c1")
	require.NoError(t, err)
	defer unsubscribe()
	assert.Equal(t, 1, b.Subscribers("t1:c1"))

	require.NoError(t, b.Publish(ctx, "t1:c1", Message{ID: "m1"}))
	require.NoError(t, b.Publish(ctx, "t1:c1", Message{ID: "m2"}))
	require.NoError(t, b.Publish(ctx, "t1:other", Message{ID: "m3"}))

	got := <-stream
	assert.Equal(t, "m1", got.ID)

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers("t1:c1") == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-stream
	assert.False(t, open)
}

func TestDirectKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, directKey("b", "a"), directKey("a", "b"))
	assert.Equal(t, []string{"a", "b"}, uniqueParticipants(" a", "", "b", "a"))
	assert.Equal(t, "abc", preview("abc", 140))
}
