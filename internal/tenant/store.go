package tenant

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
)

// ErrNotFound is returned when a tenant does not exist.
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "tenant not found")

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// Registry persists tenants.
type Registry struct {
	db  *sqlstore.DB
	now func() time.Time
}

// NewRegistry builds a Registry on db.
func NewRegistry(db *sqlstore.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Create registers a tenant. Slugs are unique.
func (r *Registry) Create(ctx context.Context, name, slug string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	slug = strings.ToLower(strings.TrimSpace(slug))
	fields := map[string]string{}
	if name == "" {
		fields["name"] = "obrigatório"
	}
	if !slugPattern.MatchString(slug) {
		fields["slug"] = "use letras minúsculas, números e hífen"
	}
	if err := xerrors.Validation(fields); err != nil {
		return nil, err
	}
	t := &Tenant{ID: ID(uuid.NewString()), Name: name, Slug: slug, Active: true, CreatedAt: r.now().Unix()}
	if err := r.insert(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// EnsureDefault makes sure the tenant with id exists, creating it if needed.
func (r *Registry) EnsureDefault(ctx context.Context, id ID, name string) (*Tenant, error) {
	existing, err := r.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !xerrors.IsCode(err, xerrors.CodeNotFound) {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = string(id)
	}
	t := &Tenant{ID: id, Name: name, Slug: strings.ToLower(string(id)), Active: true, CreatedAt: r.now().Unix()}
	if err := r.insert(ctx, t); err != nil {
		if xerrors.IsCode(err, xerrors.CodeConflict) {
			return r.Get(ctx, id)
		}
		return nil, err
	}
	return t, nil
}

func (r *Registry) insert(ctx context.Context, t *Tenant) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO tenants (id, name, slug, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(t.ID), t.Name, t.Slug, sqlstore.BoolToInt(t.Active), t.CreatedAt)
	if err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "tenant slug already in use")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert tenant")
	}
	return nil
}

// Get returns the tenant with id.
func (r *Registry) Get(ctx context.Context, id ID) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, slug, active, created_at FROM tenants WHERE id = ?`, string(id))
	return scanTenant(row)
}

// GetBySlug returns the tenant with slug.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, slug, active, created_at FROM tenants WHERE slug = ?`, strings.ToLower(slug))
	return scanTenant(row)
}

// List returns every tenant ordered by name.
func (r *Registry) List(ctx context.Context) ([]Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, slug, active, created_at FROM tenants ORDER BY name`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list tenants")
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate tenants")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var (
		t      Tenant
		id     string
		active int
	)
	if err := row.Scan(&id, &t.Name, &t.Slug, &active, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan tenant")
	}
	t.ID = ID(id)
	t.Active = active == 1
	return &t, nil
}
