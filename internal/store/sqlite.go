package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens (or creates) a SQLite database at path and applies
// the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	s := &sqlStore{db: db, rebinder: func(q string) string { return q }}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
