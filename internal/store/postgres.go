package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresStore connects to Postgres with the given DSN and applies the
// schema.
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &sqlStore{db: db, rebinder: rebindPostgres}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newPostgresStoreWithDB wraps an existing connection without pinging or
// applying the schema. Used by tests with a mocked driver.
func newPostgresStoreWithDB(db *sql.DB) *sqlStore {
	return &sqlStore{db: db, rebinder: rebindPostgres}
}
