// Package kvstore is the persistent key-value snapshot store behind the
// session coordinator: one auth token and one cached user record. It is
// written only by the coordinator; everything else reads point-in-time
// snapshots.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schema creates the kv table. Pass to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Well-known keys.
const (
	KeyAPIToken = "snippetify_api_token"
	KeyUser     = "snippetify_save_user"
)

// Store wraps the kv table.
type Store struct {
	db *sql.DB
}

// New creates a Store. The schema must already be applied (dbopen.WithSchema).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the value for key. ok=false when the key is absent; absence
// is not an error.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes or replaces the value for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}
