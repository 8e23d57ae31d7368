package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Heartbeat is the liveness row of one daemon.
type Heartbeat struct {
	Name          string    `json:"name"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	Timestamp     time.Time `json:"timestamp"`
	Goroutines    int       `json:"goroutines"`
	MemoryAllocMB float64   `json:"memory_alloc_mb"`
	LiveSessions  int       `json:"live_sessions"`
}

// HeartbeatWriter upserts a heartbeat row on an interval.
type HeartbeatWriter struct {
	db       *sql.DB
	name     string
	hostname string
	pid      int
	started  time.Time
	interval time.Duration
	sessions func() int
	logger   *slog.Logger
}

// NewHeartbeatWriter creates a writer. sessions reports the live session
// count and may be nil.
func NewHeartbeatWriter(db *sql.DB, name string, interval time.Duration, sessions func() int) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if sessions == nil {
		sessions = func() int { return 0 }
	}
	return &HeartbeatWriter{
		db:       db,
		name:     name,
		hostname: hostname,
		pid:      os.Getpid(),
		started:  time.Now(),
		interval: interval,
		sessions: sessions,
		logger:   slog.Default(),
	}
}

// Write upserts one heartbeat now.
func (hw *HeartbeatWriter) Write(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO daemon_heartbeats
			(name, hostname, pid, started_at, timestamp, goroutines, memory_alloc_mb, live_sessions)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			hostname = excluded.hostname, pid = excluded.pid, started_at = excluded.started_at,
			timestamp = excluded.timestamp, goroutines = excluded.goroutines,
			memory_alloc_mb = excluded.memory_alloc_mb, live_sessions = excluded.live_sessions`,
		hw.name, hw.hostname, hw.pid, hw.started.Unix(), time.Now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, hw.sessions())
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// Run writes immediately and then on every interval until ctx is done.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()
	for {
		if err := hw.Write(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Warn("observability: heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LastHeartbeat reads the row for name. It returns nil when the daemon never ran.
func LastHeartbeat(ctx context.Context, db *sql.DB, name string) (*Heartbeat, error) {
	var (
		hb          Heartbeat
		started, ts int64
		goroutines  sql.NullInt64
		memMB       sql.NullFloat64
		sessions    sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT name, hostname, pid, started_at, timestamp, goroutines, memory_alloc_mb, live_sessions
		FROM daemon_heartbeats WHERE name = ?`, name).
		Scan(&hb.Name, &hb.Hostname, &hb.PID, &started, &ts, &goroutines, &memMB, &sessions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: read heartbeat: %w", err)
	}
	hb.StartedAt = time.Unix(started, 0)
	hb.Timestamp = time.Unix(ts, 0)
	hb.Goroutines = int(goroutines.Int64)
	hb.MemoryAllocMB = memMB.Float64
	hb.LiveSessions = int(sessions.Int64)
	return &hb, nil
}

// Alive reports whether hb was written within maxAge.
func (hb *Heartbeat) Alive(maxAge time.Duration) bool {
	return hb != nil && time.Since(hb.Timestamp) <= maxAge
}
