package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newJWTService(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), Config{
		Mode:          ModeJWT,
		DefaultTenant: "clinica-a",
		JWT:           JWTOptions{Secret: testSecret, Issuer: "medstaff", Audience: "medstaff-api", AccessTTL: 60, RefreshTTL: 600},
		Seeds: []Seed{
			{Username: "ana", Password: "senha-forte", Roles: []Role{RoleRH}},
			{Username: "bruno", Password: "senha-forte", Roles: []Role{RoleColaborador}, TenantID: "clinica-b"},
		},
	}, store)
	require.NoError(t, err)
	return svc
}

func TestPermissionsForRoles(t *testing.T) {
	perms := PermissionsFor(RoleComercial, RoleFinanceiro)
	assert.Contains(t, perms, PermCRMWrite)
	assert.Contains(t, perms, PermFinanceWrite)
	assert.NotContains(t, perms, PermHRWrite)
	assert.ElementsMatch(t, AllPermissions, PermissionsFor(RoleAdmin))
	assert.Empty(t, PermissionsFor("desconhecido"))
}

func TestPasswordGrantAndVerify(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t, NewMemoryStore())

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "Ana", Password: "senha-forte"})
	require.NoError(t, err)
	require.Equal(t, "Bearer", pair.TokenType)
	require.Equal(t, tenant.ID("clinica-a"), pair.Subject.TenantID)

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "ana", subject.Username)
	require.True(t, subject.HasPermission(PermTimeValidate))
	require.False(t, subject.HasPermission(PermFinanceRead))

	// refresh tokens cannot be used as access tokens
	_, err = svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	refreshed, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
}

func TestAuthenticateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t, NewMemoryStore())

	_, err := svc.Authenticate(ctx, TokenRequest{Username: "ana", Password: "errada!!"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, TokenRequest{Username: "ninguem", Password: "senha-forte"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials"})
	require.ErrorIs(t, err, ErrUnsupportedGrant)

	_, err = svc.AuthenticateRequest(ctx, "")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.AuthenticateRequest(ctx, "Bearer not-a-jwt")
	require.True(t, xerrors.IsCode(err, xerrors.CodeUnauthenticated))
}

func TestExpiredTokenRejected(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t, NewMemoryStore())
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "ana", Password: "senha-forte"})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.True(t, xerrors.IsCode(err, xerrors.CodeUnauthenticated))
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newJWTService(t, store)
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "ana", Password: "senha-forte"})
	require.NoError(t, err)

	other, err := NewService(ctx, Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "another-secret-value-123456", Issuer: "medstaff", Audience: "medstaff-api"}}, store)
	require.NoError(t, err)
	_, err = other.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.True(t, xerrors.IsCode(err, xerrors.CodeUnauthenticated))
}

func TestDisabledUserCannotAuthenticate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newJWTService(t, store)
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "ana", Password: "senha-forte"})
	require.NoError(t, err)

	admin := tenant.WithTenant(context.Background(), "clinica-a")
	require.NoError(t, svc.SetDisabled(admin, pair.Subject.ID, true))

	_, err = svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.ErrorIs(t, err, ErrSubjectRevoked)
	_, err = svc.Authenticate(ctx, TokenRequest{Username: "ana", Password: "senha-forte"})
	require.ErrorIs(t, err, ErrSubjectRevoked)
}

func TestCreateUserValidatesAndScopesTenant(t *testing.T) {
	db, err := sqlstore.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	svc := newJWTService(t, NewSQLStore(db))

	ctx := tenant.WithTenant(context.Background(), "clinica-a")
	_, err = svc.CreateUser(ctx, NewUser{Username: "x", Password: "curta", Roles: []Role{"chefe"}})
	require.True(t, xerrors.IsCode(err, xerrors.CodeValidation))
	e, _ := xerrors.From(err)
	assert.Len(t, e.Fields(), 3)

	user, err := svc.CreateUser(ctx, NewUser{Username: "carla", Password: "senha-forte", Roles: []Role{RoleFinanceiro, RoleFinanceiro}})
	require.NoError(t, err)
	require.Equal(t, []Role{RoleFinanceiro}, user.Roles)

	_, err = svc.CreateUser(ctx, NewUser{Username: "Carla", Password: "senha-forte", Roles: []Role{RoleGestor}})
	require.ErrorIs(t, err, ErrUserExists)

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	names := []string{}
	for _, u := range users {
		names = append(names, u.Username)
	}
	require.Equal(t, []string{"ana", "carla"}, names)

	subject, err := NewSQLStore(db).LoadSubject(context.Background(), user.ID)
	require.NoError(t, err)
	require.True(t, subject.HasPermission(PermFinanceWrite))

	_, err = svc.CreateUser(context.Background(), NewUser{Username: "dario", Password: "senha-forte", Roles: []Role{RoleRH}})
	require.ErrorIs(t, err, tenant.ErrMissingTenant)
}

func TestMiddlewareBindsSubjectAndTenant(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t, NewMemoryStore())
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "bruno", Password: "senha-forte"})
	require.NoError(t, err)

	var seenTenant tenant.ID
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]Permission{http.MethodPost: {PermTimeWrite}, http.MethodDelete: {PermHRWrite}},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant, _ = tenant.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/time-records", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, tenant.ID("clinica-b"), seenTenant)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/employees/1", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/time-records", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDisabledModeUsesDevSubject(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled, DefaultTenant: "dev-tenant"}, nil)
	require.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), TokenRequest{})
	require.ErrorIs(t, err, ErrDisabled)

	var subject *Subject
	handler := svc.Middleware(MiddlewareConfig{})(Require(nil, PermUsersAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, subject)
	require.Equal(t, tenant.ID("dev-tenant"), subject.TenantID)
}

func TestRequireWithoutSubject(t *testing.T) {
	rec := httptest.NewRecorder()
	Require(nil, PermCRMRead)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUsersWithPermission(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newJWTService(t, store)

	admin := tenant.WithTenant(ctx, "clinica-a")
	gestor, err := svc.CreateUser(admin, NewUser{Username: "carla", Password: "senha-forte", Roles: []Role{RoleGestor}})
	require.NoError(t, err)
	_, err = svc.CreateUser(admin, NewUser{Username: "davi", Password: "senha-forte", Roles: []Role{RoleComercial}})
	require.NoError(t, err)

	ids, err := svc.UsersWithPermission(ctx, "clinica-a", PermTimeValidate)
	require.NoError(t, err)
	assert.Len(t, ids, 2, "ana (rh) and carla (gestor)")
	assert.Contains(t, ids, gestor.ID)

	require.NoError(t, store.SetDisabled(ctx, "clinica-a", gestor.ID, true))
	ids, err = svc.UsersWithPermission(ctx, "clinica-a", PermTimeValidate)
	require.NoError(t, err)
	assert.NotContains(t, ids, gestor.ID)

	ids, err = svc.UsersWithPermission(ctx, "clinica-b", PermTimeValidate)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
