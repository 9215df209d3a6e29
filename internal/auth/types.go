package auth

import (
	"context"
	"sort"
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled           = xerrors.New(xerrors.CodeFailedPrecondition, "authentication disabled")
	ErrInvalidCredentials = xerrors.New(xerrors.CodeUnauthenticated, "invalid credentials")
	ErrUnsupportedGrant   = xerrors.New(xerrors.CodeInvalidArgument, "unsupported grant type")
	ErrInvalidToken       = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrMissingToken       = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrPermissionDenied   = xerrors.New(xerrors.CodePermissionDenied, "permission denied")
	ErrSubjectRevoked     = xerrors.New(xerrors.CodePermissionDenied, "subject is disabled")
	ErrUserNotFound       = xerrors.New(xerrors.CodeNotFound, "user not found")
	ErrUserExists         = xerrors.New(xerrors.CodeConflict, "username already taken")
)

// Store abstracts the persistent user catalogue. Implementations must be
// safe for concurrent use.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID string) (*Subject, error)
	CreateUser(ctx context.Context, user *User) error
	ListUsers(ctx context.Context, tenantID tenant.ID) ([]User, error)
	SetDisabled(ctx context.Context, tenantID tenant.ID, userID string, disabled bool) error
}

// User is a persisted account with credentials.
type User struct {
	ID           string    `json:"id"`
	TenantID     tenant.ID `json:"tenant_id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Disabled     bool      `json:"disabled"`
	Roles        []Role    `json:"roles"`
	CreatedAt    int64     `json:"created_at"`
	UpdatedAt    int64     `json:"updated_at"`
}

// Subject is the authenticated principal handed to request handlers.
type Subject struct {
	ID          string       `json:"id"`
	TenantID    tenant.ID    `json:"tenant_id"`
	Username    string       `json:"username"`
	DisplayName string       `json:"display_name"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
	Disabled    bool         `json:"disabled"`

	permissionsSet map[Permission]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[Permission]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[Permission(strings.ToLower(strings.TrimSpace(string(perm))))] = struct{}{}
	}
}

// HasPermission reports whether the subject holds permission.
func (s *Subject) HasPermission(permission Permission) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[permission]
	return ok
}

// HasRole reports whether the subject holds role.
func (s *Subject) HasRole(role Role) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authorize ensures the subject holds every permission in perms.
func (s *Subject) Authorize(perms ...Permission) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(xerrors.CodePermissionDenied, "missing permission "+string(perm),
				xerrors.WithMetadata("permission", string(perm)))
		}
	}
	return nil
}

// Clone returns a copy safe to hand out.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		TenantID:    s.TenantID,
		Username:    s.Username,
		DisplayName: s.DisplayName,
		Roles:       append([]Role(nil), s.Roles...),
		Permissions: append([]Permission(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// SubjectForUser derives the subject of user from the role catalogue.
func SubjectForUser(user *User) *Subject {
	subject := &Subject{
		ID:          user.ID,
		TenantID:    user.TenantID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Roles:       dedupeRoles(user.Roles),
		Permissions: PermissionsFor(user.Roles...),
		Disabled:    user.Disabled,
	}
	subject.normalise()
	return subject
}

// TokenRequest is the payload accepted by the token endpoint.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

// TokenPair contains the issued access and refresh tokens.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"subject,omitempty"`
}

// NewUser is the input of Service.CreateUser.
type NewUser struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Roles       []Role `json:"roles"`
}

// Config configures the authentication service.
type Config struct {
	Mode          Mode
	JWT           JWTOptions
	DefaultTenant tenant.ID
	Seeds         []Seed
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions contains parameters for local JWT issuance.
type JWTOptions struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  int64
	RefreshTTL int64
}

// Seed defines an account created at startup when missing.
type Seed struct {
	TenantID    tenant.ID
	Username    string
	DisplayName string
	Password    string
	Roles       []Role
}

func dedupeRoles(values []Role) []Role {
	seen := make(map[Role]struct{}, len(values))
	for _, value := range values {
		value = Role(strings.ToLower(strings.TrimSpace(string(value))))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]Role, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
