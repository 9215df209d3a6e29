package migrations

import "embed"

// Files holds the portable schema migrations. The statements only use types
// and syntax shared by Postgres, MySQL and SQLite.
//
//go:embed *.sql
var Files embed.FS
