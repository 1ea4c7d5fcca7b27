package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// NewSQLiteStore initializes the schema in db and returns a SQLStore.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite allows a single writer, so the pool is limited to one connection.
// This also keeps ":memory:" databases shared by every caller.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return nil, fmt.Errorf("sqlite busy_timeout: %w", err)
	}
	return newSQLStore(ctx, db, sqliteDialect)
}
