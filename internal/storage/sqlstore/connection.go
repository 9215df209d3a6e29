package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	xerrors "medstaff/internal/errors"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ErrUnsupportedDriver is returned for unknown storage drivers.
var ErrUnsupportedDriver = xerrors.New(xerrors.CodeInvalidArgument, "unsupported storage driver")

// Config describes how to reach the database.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	SkipMigrations  bool
}

// DB wraps *sql.DB and rewrites `?` placeholders for the active dialect, so
// repositories write one query text for every backend.
type DB struct {
	raw     *sql.DB
	dialect Dialect
}

// Open connects, tunes the pool and applies embedded migrations.
//
// The "memory" driver is an in-process SQLite database. It is pinned to a
// single connection because every SQLite :memory: connection is a separate
// database.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	dsn := strings.TrimSpace(cfg.DSN)

	var (
		dialect    Dialect
		driverName string
	)
	switch driver {
	case "", "memory":
		dialect, driverName = DialectSQLite, "sqlite"
		dsn = ":memory:"
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	case "sqlite":
		dialect, driverName = DialectSQLite, "sqlite"
		cfg.MaxOpenConns = 1
	case "postgres", "postgresql", "supabase":
		dialect, driverName = DialectPostgres, "pgx"
	case "mysql":
		dialect, driverName = DialectMySQL, "mysql"
	default:
		return nil, ErrUnsupportedDriver
	}
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "storage DSN cannot be empty")
	}

	raw, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("open %s", dialect))
	}
	if cfg.MaxOpenConns > 0 {
		raw.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		raw.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		raw.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		raw.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		raw.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else if dialect != DialectSQLite {
		raw.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		raw.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := raw.PingContext(ctx); err != nil {
		raw.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("ping %s", dialect))
	}

	db := &DB{raw: raw, dialect: dialect}
	if !cfg.SkipMigrations {
		if err := db.Migrate(ctx); err != nil {
			raw.Close()
			return nil, err
		}
	}
	return db, nil
}

// OpenMemory opens a migrated in-memory database, mainly for tests.
func OpenMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, Config{Driver: "memory"})
}

// Dialect reports the active backend.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close releases the pool.
func (db *DB) Close() error {
	if db == nil || db.raw == nil {
		return nil
	}
	return db.raw.Close()
}

// Ping checks connectivity, used by health checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.raw.PingContext(ctx)
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, Rebind(db.dialect, query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, Rebind(db.dialect, query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, Rebind(db.dialect, query), args...)
}

// Querier is satisfied by both *DB and *Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a transaction that rebinds placeholders like DB.
type Tx struct {
	raw     *sql.Tx
	dialect Dialect
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, Rebind(tx.dialect, query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, Rebind(tx.dialect, query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, Rebind(tx.dialect, query), args...)
}

// InTx runs fn inside a transaction, committing when it returns nil.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	raw, err := db.raw.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin transaction")
	}
	if err := fn(&Tx{raw: raw, dialect: db.dialect}); err != nil {
		_ = raw.Rollback()
		return err
	}
	if err := raw.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit transaction")
	}
	return nil
}

var (
	_ Querier = (*DB)(nil)
	_ Querier = (*Tx)(nil)
)

// Rebind converts `?` placeholders to `$n` for Postgres. Question marks inside
// single-quoted literals are left alone.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(fmt.Sprint(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique/primary key violation on
// any supported backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *msqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// BoolToInt stores booleans as 0/1 integers, portable across backends.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Placeholders returns "?, ?, ..." with n markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
