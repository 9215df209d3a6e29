package auth

import (
	"context"
	"sort"
	"strings"
	"sync"

	"medstaff/internal/tenant"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	byUsername map[string]*User
	byID       map[string]*User
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUsername: make(map[string]*User),
		byID:       make(map[string]*User),
	}
}

func cloneUser(u *User) *User {
	clone := *u
	clone.Roles = append([]Role(nil), u.Roles...)
	return &clone
}

// FindUserByUsername implements Store.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.byUsername[strings.ToLower(strings.TrimSpace(username))]; ok {
		return cloneUser(user), nil
	}
	return nil, ErrUserNotFound
}

// LoadSubject implements Store.
func (s *MemoryStore) LoadSubject(_ context.Context, userID string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.byID[userID]; ok {
		return SubjectForUser(user), nil
	}
	return nil, ErrUserNotFound
}

// CreateUser implements Store.
func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(user.Username)
	if _, exists := s.byUsername[key]; exists {
		return ErrUserExists
	}
	stored := cloneUser(user)
	s.byUsername[key] = stored
	s.byID[stored.ID] = stored
	return nil
}

// ListUsers implements Store.
func (s *MemoryStore) ListUsers(_ context.Context, tenantID tenant.ID) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, user := range s.byID {
		if user.TenantID == tenantID {
			out = append(out, *cloneUser(user))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// SetDisabled implements Store.
func (s *MemoryStore) SetDisabled(_ context.Context, tenantID tenant.ID, userID string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[userID]
	if !ok || user.TenantID != tenantID {
		return ErrUserNotFound
	}
	user.Disabled = disabled
	return nil
}
