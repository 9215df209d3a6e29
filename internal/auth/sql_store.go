package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

// SQLStore persists users and role assignments in auth_users and
// auth_user_roles.
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore builds the store on an opened database.
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

const userColumns = `id, tenant_id, username, display_name, password_hash, disabled, created_at, updated_at`

// FindUserByUsername implements Store.
func (s *SQLStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM auth_users WHERE username = ?`,
		strings.ToLower(strings.TrimSpace(username)))
	user, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if user.Roles, err = s.loadRoles(ctx, s.db, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// LoadSubject implements Store.
func (s *SQLStore) LoadSubject(ctx context.Context, userID string) (*Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM auth_users WHERE id = ?`, userID)
	user, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if user.Roles, err = s.loadRoles(ctx, s.db, user.ID); err != nil {
		return nil, err
	}
	return SubjectForUser(user), nil
}

// CreateUser implements Store.
func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	return s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO auth_users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			user.ID, string(user.TenantID), strings.ToLower(user.Username), user.DisplayName, user.PasswordHash,
			sqlstore.BoolToInt(user.Disabled), user.CreatedAt, user.UpdatedAt)
		if err != nil {
			if sqlstore.IsUniqueViolation(err) {
				return ErrUserExists
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert user")
		}
		now := time.Now().Unix()
		for _, role := range user.Roles {
			if _, err := tx.ExecContext(ctx, `INSERT INTO auth_user_roles (user_id, role, assigned_at) VALUES (?, ?, ?)`,
				user.ID, string(role), now); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "assign role")
			}
		}
		return nil
	})
}

// ListUsers implements Store.
func (s *SQLStore) ListUsers(ctx context.Context, tenantID tenant.ID) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM auth_users WHERE tenant_id = ? ORDER BY username`, string(tenantID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list users")
	}
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate users")
	}
	rows.Close()

	for i := range users {
		if users[i].Roles, err = s.loadRoles(ctx, s.db, users[i].ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// SetDisabled implements Store.
func (s *SQLStore) SetDisabled(ctx context.Context, tenantID tenant.ID, userID string, disabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE auth_users SET disabled = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		sqlstore.BoolToInt(disabled), time.Now().Unix(), userID, string(tenantID))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLStore) loadRoles(ctx context.Context, q sqlstore.Querier, userID string) ([]Role, error) {
	rows, err := q.QueryContext(ctx, `SELECT role FROM auth_user_roles WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query roles")
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan role")
		}
		roles = append(roles, Role(role))
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate roles")
	}
	return roles, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user     User
		tenantID string
		disabled int
	)
	err := row.Scan(&user.ID, &tenantID, &user.Username, &user.DisplayName, &user.PasswordHash,
		&disabled, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan user")
	}
	user.TenantID = tenant.ID(tenantID)
	user.Disabled = disabled == 1
	return &user, nil
}
