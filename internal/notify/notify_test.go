package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqlstore.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db)
}

func tenantCtx() context.Context {
	return tenant.WithTenant(context.Background(), "clinica-a")
}

type flakyChannel struct {
	failures  int32
	retryable bool
	calls     atomic.Int32
}

func (c *flakyChannel) Name() string { return "flaky" }

func (c *flakyChannel) Deliver(context.Context, *Notification) error {
	n := c.calls.Add(1)
	if n <= c.failures {
		return xerrors.New(xerrors.CodeDeliveryFailure, "downstream unavailable", xerrors.WithRetryable(c.retryable))
	}
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) NotificationProcessed(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[status]++
}

func (r *countingRecorder) get(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[status]
}

func runProcessor(t *testing.T, p *Processor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitForStatus(t *testing.T, store Store, id string, want Status) *Notification {
	t.Helper()
	var last *Notification
	require.Eventually(t, func() bool {
		n, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = n
		return n.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func TestSendDeliversThroughProcessor(t *testing.T) {
	store := newStore(t)
	queue := NewMemoryQueue(16)
	recorder := &countingRecorder{}
	svc := NewService(store, queue, 3)
	stop := runProcessor(t, NewProcessor(store, queue, queue, WithWorkerCount(2), WithRecorder(recorder)))
	defer stop()

	n, err := svc.Send(tenantCtx(), Input{UserID: "u1", Kind: KindSystem, Title: "Bem-vindo", Body: "Olá"})
	require.NoError(t, err)

	delivered := waitForStatus(t, store, n.ID, StatusDelivered)
	assert.Equal(t, 1, delivered.Attempts)
	assert.Equal(t, 1, recorder.get("delivered"))
}

func TestRetryableFailureIsRequeued(t *testing.T) {
	store := newStore(t)
	queue := NewMemoryQueue(16)
	channel := &flakyChannel{failures: 2, retryable: true}
	svc := NewService(store, queue, 3)
	stop := runProcessor(t, NewProcessor(store, queue, queue, WithChannels(channel)))
	defer stop()

	n, err := svc.Send(tenantCtx(), Input{UserID: "u1", Kind: KindSystem, Title: "Teste"})
	require.NoError(t, err)

	delivered := waitForStatus(t, store, n.ID, StatusDelivered)
	assert.Equal(t, 3, delivered.Attempts)
	assert.EqualValues(t, 3, channel.calls.Load())
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	store := newStore(t)
	queue := NewMemoryQueue(16)
	channel := &flakyChannel{failures: 10, retryable: false}
	svc := NewService(store, queue, 5)
	stop := runProcessor(t, NewProcessor(store, queue, queue, WithChannels(channel)))
	defer stop()

	n, err := svc.Send(tenantCtx(), Input{UserID: "u1", Kind: KindSystem, Title: "Teste"})
	require.NoError(t, err)

	failed := waitForStatus(t, store, n.ID, StatusFailed)
	assert.Equal(t, string(xerrors.CodeDeliveryFailure), failed.ErrorCode)
	assert.Equal(t, 5, failed.Attempts)

	_, err = store.Claim(context.Background(), n.ID)
	require.ErrorIs(t, err, ErrExhausted)
}

type blockingChannel struct {
	started chan struct{}
	once    sync.Once
}

func (c *blockingChannel) Name() string { return "blocking" }

func (c *blockingChannel) Deliver(ctx context.Context, _ *Notification) error {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownDuringDeliveryIsRecovered(t *testing.T) {
	store := newStore(t)
	first := NewMemoryQueue(16)
	svc := NewService(store, first, 3)
	blocking := &blockingChannel{started: make(chan struct{})}
	stop := runProcessor(t, NewProcessor(store, first, first, WithChannels(blocking)))

	n, err := svc.Send(tenantCtx(), Input{UserID: "u1", Kind: KindSystem, Title: "Plantão"})
	require.NoError(t, err)
	select {
	case <-blocking.started:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never started")
	}
	stop()

	interrupted, err := store.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, interrupted.Status)
	assert.Equal(t, 1, interrupted.Attempts)

	// a fresh run finds the row without anyone publishing it
	second := NewMemoryQueue(16)
	stop = runProcessor(t, NewProcessor(store, second, second))
	defer stop()

	delivered := waitForStatus(t, store, n.ID, StatusDelivered)
	assert.Equal(t, 2, delivered.Attempts)
}

func TestClaimTakesOverExpiredLease(t *testing.T) {
	db, err := sqlstore.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clock := time.Unix(1_700_000_000, 0)
	store := NewSQLStore(db, WithStoreClock(func() time.Time { return clock }), WithClaimLease(time.Minute))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Notification{ID: "n1", TenantID: "clinica-a", UserID: "u1", Kind: KindSystem, Title: "x", MaxRetries: 2}))
	claimed, err := store.Claim(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	_, err = store.Claim(ctx, "n1")
	require.ErrorIs(t, err, ErrConflict)
	ids, err := store.Recoverable(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	clock = clock.Add(2 * time.Minute)
	ids, err = store.Recoverable(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, ids)
	claimed, err = store.Claim(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, 2, claimed.Attempts)

	// the last attempt died too: the row is closed instead of retried
	clock = clock.Add(2 * time.Minute)
	_, err = store.Claim(ctx, "n1")
	require.ErrorIs(t, err, ErrExhausted)
	closed, err := store.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, closed.Status)
	assert.Equal(t, "delivery interrupted", closed.LastError)
	ids, err = store.Recoverable(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	cut := truncate("aaaação", 5)
	assert.Equal(t, "aaaa", cut)
	assert.True(t, utf8.ValidString(cut))

	long := strings.Repeat("é", 600)
	cut = truncate(long, 1000)
	assert.Len(t, cut, 1000)
	assert.True(t, utf8.ValidString(cut))
	cut = truncate(long, 999)
	assert.Len(t, cut, 998)
	assert.True(t, utf8.ValidString(cut))
}

func TestSendValidatesAndRequiresTenant(t *testing.T) {
	svc := NewService(newStore(t), nil, 3)

	_, err := svc.Send(context.Background(), Input{UserID: "u1", Kind: KindSystem, Title: "x"})
	require.ErrorIs(t, err, tenant.ErrMissingTenant)

	_, err = svc.Send(tenantCtx(), Input{})
	require.True(t, xerrors.IsCode(err, xerrors.CodeValidation))
	e, _ := xerrors.From(err)
	assert.Contains(t, e.Fields(), "user_id")
	assert.Contains(t, e.Fields(), "title")
	assert.Contains(t, e.Fields(), "kind")
}

func TestInboxOperations(t *testing.T) {
	store := newStore(t)
	svc := NewService(store, nil, 3)
	ctx := tenantCtx()

	first, err := svc.Send(ctx, Input{UserID: "u1", Kind: KindChatMessage, Title: "Nova mensagem", Metadata: map[string]string{"conversation_id": "c1"}})
	require.NoError(t, err)
	_, err = svc.Send(ctx, Input{UserID: "u1", Kind: KindTimeIrregularity, Title: "Ponto irregular"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, Input{UserID: "u2", Kind: KindSystem, Title: "Outro usuário"})
	require.NoError(t, err)

	count, err := svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	chats, err := svc.List(ctx, "u1", WithKinds(KindChatMessage))
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.Equal(t, "c1", chats[0].Metadata["conversation_id"])

	require.NoError(t, svc.MarkRead(ctx, "u1", first.ID))
	require.NoError(t, svc.MarkRead(ctx, "u1", first.ID))
	unread, err := svc.List(ctx, "u1", WithUnreadOnly(true))
	require.NoError(t, err)
	require.Len(t, unread, 1)

	// another user's notification cannot be marked
	require.ErrorIs(t, svc.MarkRead(ctx, "u2", first.ID), ErrNotFound)
	// nor read from another tenant
	other := tenant.WithTenant(context.Background(), "clinica-b")
	list, err := svc.List(other, "u1")
	require.NoError(t, err)
	require.Empty(t, list)

	marked, err := svc.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, marked)
	count, err = svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestListOptionsDefaults(t *testing.T) {
	opts := buildListOptions([]ListOption{WithLimit(1000), WithOffset(-3), WithKinds(KindSystem, KindSystem, "")})
	assert.Equal(t, 100, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
	assert.Equal(t, []Kind{KindSystem}, opts.Kinds)
}

func noKeepAlive() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

func TestWebhookChannelRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch, err := NewWebhookChannel(WebhookConfig{URL: srv.URL, Attempts: 3, Delay: time.Millisecond, Client: noKeepAlive()})
	require.NoError(t, err)
	err = ch.Deliver(context.Background(), &Notification{ID: "n1", TenantID: "clinica-a", UserID: "u1", Kind: KindSystem, Title: "Oi"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, "n1", received.ID)
}

func TestWebhookChannelDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ch, err := NewWebhookChannel(WebhookConfig{URL: srv.URL, Attempts: 4, Delay: time.Millisecond, Client: noKeepAlive()})
	require.NoError(t, err)
	err = ch.Deliver(context.Background(), &Notification{ID: "n1"})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, xerrors.RetryableError(err))
}

type staticBook map[string]string

func (b staticBook) EmailForUser(_ context.Context, _ tenant.ID, userID string) (string, error) {
	if addr, ok := b[userID]; ok {
		return addr, nil
	}
	return "", xerrors.New(xerrors.CodeNotFound, "no address")
}

func TestEmailChannelBuildsMessage(t *testing.T) {
	ch, err := NewEmailChannel(SMTPConfig{Host: "smtp.local", From: "noreply@medstaff.local"}, staticBook{"u1": "ana@clinica.local"})
	require.NoError(t, err)

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	ch.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}
	require.NoError(t, ch.Deliver(context.Background(), &Notification{UserID: "u1", Title: "Ponto\r\nBcc: x", Body: "Registro irregular"}))
	assert.Equal(t, "smtp.local:587", gotAddr)
	assert.Equal(t, []string{"ana@clinica.local"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [MedStaff] Ponto  Bcc: x\r\n")
	assert.Contains(t, gotMsg, "Registro irregular")

	// users without an address are skipped
	require.NoError(t, ch.Deliver(context.Background(), &Notification{UserID: "u9"}))

	ch.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }
	err = ch.Deliver(context.Background(), &Notification{UserID: "u1"})
	require.True(t, xerrors.IsCode(err, xerrors.CodeDeliveryFailure))
}
