package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"medstaff/internal/auth"
	"medstaff/internal/chat"
	"medstaff/internal/crm"
	"medstaff/internal/finance"
	"medstaff/internal/notify"
	"medstaff/internal/storage/sqlstore"
)

type fixture struct {
	server *Server
	db     *sqlstore.DB
}

func newFixture(t *testing.T, authCfg auth.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	authSvc, err := auth.NewService(ctx, authCfg, auth.NewMemoryStore())
	require.NoError(t, err)
	notifySvc := notify.NewService(notify.NewSQLStore(db), nil, 3)

	srv := NewServer(Config{AllowedOrigins: []string{"http://localhost:5173"}}, Services{
		Auth:    authSvc,
		CRM:     crm.NewService(crm.NewSQLStore(db), notifySvc),
		Finance: finance.NewService(finance.NewSQLStore(db)),
		Chat:    chat.NewService(chat.NewSQLStore(db), chat.WithNotifier(notifySvc)),
		Notify:  notifySvc,
		DB:      db,
	})
	return &fixture{server: srv, db: db}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, auth.Config{})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "ok", body["database"])
}

func TestLeadLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, auth.Config{})

	rec := f.do(t, http.MethodPost, "/api/v1/crm/leads", "", crm.LeadInput{Name: "Clínica Aurora", ValueCents: 150000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	lead := decode[crm.Lead](t, rec)
	require.Equal(t, crm.StageCaptacao, lead.Stage)
	require.Equal(t, "dev", lead.OwnerID)

	rec = f.do(t, http.MethodPost, "/api/v1/crm/leads/"+lead.ID+"/move", "", map[string]string{"stage": string(crm.StageQualificacao)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/crm/leads?stage=qualificacao", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[listBody[crm.Lead]](t, rec)
	require.Equal(t, 1, list.Total)
	require.Equal(t, lead.ID, list.Items[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/crm/leads/"+lead.ID+"/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[listBody[crm.StageChange]](t, rec).Items, 2)
}

func TestErrorEnvelope(t *testing.T) {
	f := newFixture(t, auth.Config{})

	rec := f.do(t, http.MethodPost, "/api/v1/crm/leads", "", crm.LeadInput{Email: "not-an-email"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[errorBody](t, rec)
	require.Equal(t, "VALIDATION_FAILED", body.Error.Code)
	require.Contains(t, body.Error.Fields, "name")
	require.Contains(t, body.Error.Fields, "email")

	rec = f.do(t, http.MethodGet, "/api/v1/crm/leads/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", decode[errorBody](t, rec).Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/crm/leads", strings.NewReader(`{"name": "x", "unknown": 1}`))
	out := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusBadRequest, out.Code)
	require.Equal(t, "INVALID_ARGUMENT", decode[errorBody](t, out).Error.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/finance/dre?from=2026-05&to=2026-01", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, decode[errorBody](t, rec).Error.Fields, "to")
}

func TestFinanceAndDRE(t *testing.T) {
	f := newFixture(t, auth.Config{})

	rec := f.do(t, http.MethodPost, "/api/v1/finance/revenues", "", finance.RevenueInput{
		Description: "Plantões março",
		Category:    finance.RevenueServicos,
		AmountCents: 100000,
		Competence:  "2026-03",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rev := decode[finance.Revenue](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/finance/revenues/"+rev.ID+"/receive", "", map[string]string{"date": "2026-04-05"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, finance.RevenueRecebida, decode[finance.Revenue](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/v1/finance/dre?from=2026-03&to=2026-03", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dre := decode[finance.DRE](t, rec)
	require.Equal(t, int64(100000), dre.Total.ReceitaBruta)
}

func TestJWTAuthorization(t *testing.T) {
	f := newFixture(t, auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret", Issuer: "medstaff"},
		Seeds: []auth.Seed{
			{Username: "vendas", Password: "senha-forte-1", Roles: []auth.Role{auth.RoleComercial}},
		},
	})

	rec := f.do(t, http.MethodGet, "/api/v1/crm/leads", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "UNAUTHENTICATED", decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/token", "", auth.TokenRequest{GrantType: "password", Username: "vendas", Password: "senha-forte-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token := decode[auth.TokenPair](t, rec).AccessToken
	require.NotEmpty(t, token)

	rec = f.do(t, http.MethodGet, "/api/v1/crm/leads", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/finance/dre?from=2026-01&to=2026-02", token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "PERMISSION_DENIED", decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/users", token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/token", "", auth.TokenRequest{GrantType: "password", Username: "vendas", Password: "errada-123"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatStreamAndNotifications(t *testing.T) {
	f := newFixture(t, auth.Config{})
	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)

	rec := f.do(t, http.MethodPost, "/api/v1/chat/conversations/direct", "", map[string]string{"user_id": "u-bia"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conv := decode[chat.Conversation](t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/chat/conversations/" + conv.ID + "/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	rec = f.do(t, http.MethodPost, "/api/v1/chat/conversations/"+conv.ID+"/messages", "", map[string]string{"body": "Bom dia!"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got chat.Message
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, "Bom dia!", got.Body)
	require.Equal(t, "dev", got.SenderID)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	rec = f.do(t, http.MethodGet, "/api/v1/chat/conversations/"+conv.ID+"/messages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[listBody[chat.Message]](t, rec).Items, 1)
	rec = f.do(t, http.MethodGet, "/api/v1/chat/conversations/"+conv.ID+"/messages?before="+
		strconv.FormatInt(got.CreatedAt, 10)+"&before_id="+got.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[listBody[chat.Message]](t, rec).Items)

	// The sender's own inbox stays empty; the notification went to u-bia.
	rec = f.do(t, http.MethodGet, "/api/v1/notifications/unread-count", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, decode[map[string]int](t, rec)["unread"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, auth.Config{})
	f.do(t, http.MethodGet, "/healthz", "", nil)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `medstaff_http_requests_total{code="200",handler="/healthz",method="GET"}`)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, auth.Config{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/crm/leads", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/crm/leads", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// simple requests from an allowed origin carry the header too
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginPatterns(t *testing.T) {
	require.Equal(t,
		[]string{"app.medstaff.com.br", "localhost:5173", "*"},
		originPatterns([]string{"https://app.medstaff.com.br", " http://localhost:5173 ", "*", ""}),
	)
}
