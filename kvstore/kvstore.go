// Package kvstore stores JSON blobs under string keys in SQLite. It is the
// durable storage collaborator behind the timer state, the URL filter lists
// and the last notification status.
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/tabrefresh/dbopen"
)

// Schema is the DDL for the key/value table.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);`

// Store wraps a *sql.DB holding the kv table.
type Store struct {
	db    *sql.DB
	retry dbopen.Retry
}

// Option configures a Store.
type Option func(*Store)

// WithRetry sets the BUSY retry policy for writes.
func WithRetry(r dbopen.Retry) Option {
	return func(s *Store) { s.retry = r }
}

// New returns a Store. Call Init once to create the table.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, retry: dbopen.DefaultRetry}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the kv table if needed.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("kvstore: init: %w", err)
	}
	return nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Get decodes the value under key into v. found is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string, v any) (found bool, err error) {
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	return s.SetMany(ctx, map[string]any{key: v})
}

// SetMany writes all entries in one transaction.
func (s *Store) SetMany(ctx context.Context, entries map[string]any) error {
	encoded := make(map[string][]byte, len(entries))
	for k, v := range entries {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("kvstore: encode %s: %w", k, err)
		}
		encoded[k] = data
	}

	now := time.Now().UnixMilli()
	err := s.retry.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for k, data := range encoded {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, data, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: set: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.retry.Exec(ctx, s.db, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
