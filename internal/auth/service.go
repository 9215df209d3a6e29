package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/pkg/logger"
)

const (
	tokenTypeAccess       = "access"
	tokenTypeRefresh      = "refresh"
	grantTypePassword     = "password"
	grantTypeRefreshToken = "refresh_token"
	minPasswordLength     = 8
	devSubjectID          = "dev"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]{3,190}$`)

// Service authenticates API callers and manages accounts.
type Service struct {
	mode          Mode
	store         Store
	jwt           *jwtManager
	defaultTenant tenant.ID
	audit         *slog.Logger
	now           func() time.Time
}

// NewService builds the authentication service and applies cfg.Seeds.
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:          mode,
		store:         store,
		defaultTenant: cfg.DefaultTenant,
		audit:         logger.Audit(),
		now:           time.Now,
	}
	if svc.defaultTenant == "" {
		svc.defaultTenant = "default"
	}

	switch mode {
	case ModeDisabled:
	case ModeJWT:
		if store == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt mode requires a user store")
		}
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = 900
		}
		if cfg.JWT.RefreshTTL <= 0 {
			cfg.JWT.RefreshTTL = 7 * 24 * 3600
		}
		svc.jwt = &jwtManager{
			secret:     []byte(cfg.JWT.Secret),
			issuer:     cfg.JWT.Issuer,
			audience:   cfg.JWT.Audience,
			accessTTL:  time.Duration(cfg.JWT.AccessTTL) * time.Second,
			refreshTTL: time.Duration(cfg.JWT.RefreshTTL) * time.Second,
			now:        func() time.Time { return svc.now() },
		}
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if store != nil {
		for _, seed := range cfg.Seeds {
			if err := svc.applySeed(ctx, seed); err != nil {
				return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
			}
		}
	}
	return svc, nil
}

func (s *Service) applySeed(ctx context.Context, seed Seed) error {
	if strings.TrimSpace(seed.Username) == "" {
		return nil
	}
	if _, err := s.store.FindUserByUsername(ctx, seed.Username); err == nil {
		return nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	tenantID := seed.TenantID
	if tenantID == "" {
		tenantID = s.defaultTenant
	}
	_, err := s.createUser(ctx, tenantID, NewUser{
		Username:    seed.Username,
		DisplayName: seed.DisplayName,
		Password:    seed.Password,
		Roles:       seed.Roles,
	})
	return err
}

// Mode reports the active authentication mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// DevSubject is the principal used for every request in disabled mode.
func (s *Service) DevSubject() *Subject {
	subject := &Subject{
		ID:          devSubjectID,
		TenantID:    s.defaultTenant,
		Username:    "dev",
		DisplayName: "Developer",
		Roles:       []Role{RoleAdmin},
		Permissions: PermissionsFor(RoleAdmin),
	}
	subject.normalise()
	return subject
}

// Authenticate exchanges credentials or a refresh token for a token pair.
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}
	var (
		subject *Subject
		err     error
	)
	switch grant {
	case grantTypePassword:
		subject, err = s.passwordGrant(ctx, req)
	case grantTypeRefreshToken:
		subject, err = s.refreshGrant(ctx, req)
	default:
		return nil, ErrUnsupportedGrant
	}
	if err != nil {
		s.audit.Warn("token_denied", "grant", grant, "username", req.Username, "error", err.Error())
		return nil, err
	}
	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	s.audit.Info("token_issued", "grant", grant, "user", subject.Username, "tenant_id", string(subject.TenantID))
	return pair, nil
}

func (s *Service) passwordGrant(ctx context.Context, req TokenRequest) (*Subject, error) {
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Disabled {
		return nil, ErrSubjectRevoked
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}
	return s.loadActiveSubject(ctx, user.ID)
}

func (s *Service) refreshGrant(ctx context.Context, req TokenRequest) (*Subject, error) {
	claims, err := s.jwt.Verify(strings.TrimSpace(req.RefreshToken))
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	return s.loadActiveSubject(ctx, claims.Subject)
}

func (s *Service) loadActiveSubject(ctx context.Context, userID string) (*Subject, error) {
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}

// AuthenticateRequest validates an Authorization header value.
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	token, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}
	return s.AuthenticateToken(ctx, token)
}

// AuthenticateToken validates a raw access token. The websocket endpoint uses
// it because browsers cannot set headers on upgrade requests.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	subject, err := s.loadActiveSubject(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if subject.TenantID != tenant.ID(claims.Tenant) {
		return nil, ErrInvalidToken
	}
	return subject, nil
}

func bearerToken(authorization string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// CreateUser registers an account in the caller's tenant.
func (s *Service) CreateUser(ctx context.Context, input NewUser) (*User, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "user store not configured")
	}
	user, err := s.createUser(ctx, tenantID, input)
	if err != nil {
		return nil, err
	}
	s.audit.Info("user_created", "tenant_id", string(tenantID), "user", user.Username,
		"roles", user.Roles, "actor_id", ActorID(ctx))
	return user, nil
}

func (s *Service) createUser(ctx context.Context, tenantID tenant.ID, input NewUser) (*User, error) {
	username := strings.ToLower(strings.TrimSpace(input.Username))
	fields := map[string]string{}
	if !usernamePattern.MatchString(username) {
		fields["username"] = "use 3 a 190 letras, números ou . _ @ -"
	}
	if len(input.Password) < minPasswordLength {
		fields["password"] = fmt.Sprintf("mínimo de %d caracteres", minPasswordLength)
	}
	roles := dedupeRoles(input.Roles)
	if len(roles) == 0 {
		fields["roles"] = "informe ao menos um perfil"
	}
	for _, role := range roles {
		if !KnownRole(role) {
			fields["roles"] = "perfil desconhecido: " + string(role)
			break
		}
	}
	if err := xerrors.Validation(fields); err != nil {
		return nil, err
	}
	hash, err := HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	display := strings.TrimSpace(input.DisplayName)
	if display == "" {
		display = username
	}
	now := s.now().Unix()
	user := &User{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Username:     username,
		DisplayName:  display,
		PasswordHash: hash,
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns the accounts of the caller's tenant.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListUsers(ctx, tenantID)
}

// SetDisabled blocks or unblocks an account of the caller's tenant.
func (s *Service) SetDisabled(ctx context.Context, userID string, disabled bool) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if userID == ActorID(ctx) && disabled {
		return xerrors.New(xerrors.CodeFailedPrecondition, "cannot disable your own account")
	}
	if err := s.store.SetDisabled(ctx, tenantID, userID, disabled); err != nil {
		return err
	}
	s.audit.Info("user_disabled_changed", "tenant_id", string(tenantID), "user_id", userID,
		"disabled", disabled, "actor_id", ActorID(ctx))
	return nil
}

type jwtManager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Tenant    string `json:"tenant"`
	Username  string `json:"username,omitempty"`
	Roles     []Role `json:"roles,omitempty"`
	TokenType string `json:"typ"`
}

// Generate issues an access and refresh token for subject.
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject required")
	}
	now := m.now()
	access, err := m.sign(subject, tokenTypeAccess, now, m.accessTTL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign access token")
	}
	refresh, err := m.sign(subject, tokenTypeRefresh, now, m.refreshTTL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign refresh token")
	}
	return &TokenPair{
		AccessToken:      access,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (m *jwtManager) sign(subject *Subject, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Tenant:    string(subject.TenantID),
		Username:  subject.Username,
		Roles:     append([]Role(nil), subject.Roles...),
		TokenType: tokenType,
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify checks signature, expiry, issuer and audience.
func (m *jwtManager) Verify(token string) (*tokenClaims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "invalid token")
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// HashPassword hashes password with bcrypt.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "hash password")
	}
	return string(hash), nil
}

func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}

// UsersWithPermission returns the ids of the enabled users of tenantID whose
// roles grant perm.
func (s *Service) UsersWithPermission(ctx context.Context, tenantID tenant.ID, perm Permission) ([]string, error) {
	if s.store == nil {
		return nil, nil
	}
	users, err := s.store.ListUsers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, u := range users {
		if u.Disabled {
			continue
		}
		if SubjectForUser(&u).HasPermission(perm) {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}
