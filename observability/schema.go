// Package observability keeps a durable trail of what the daemon did: every
// bus event lands in refresh_events, and a heartbeat row tells the CLI
// whether a daemon is alive.
package observability

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the DDL for the observability tables.
const Schema = `
CREATE TABLE IF NOT EXISTS refresh_events (
    event_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    session_id TEXT,
    url TEXT,
    selector TEXT,
    old_value REAL,
    new_value REAL,
    detail TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_events_time ON refresh_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_refresh_events_session ON refresh_events(session_id, created_at DESC);

CREATE TABLE IF NOT EXISTS daemon_heartbeats (
    name TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines INTEGER,
    memory_alloc_mb REAL,
    live_sessions INTEGER
);
`

// Init applies Schema.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("observability: init: %w", err)
	}
	return nil
}
