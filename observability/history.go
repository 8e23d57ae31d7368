package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tabrefresh/events"
	"github.com/hazyhaar/tabrefresh/idgen"
)

const (
	flushEvery = 2 * time.Second
	batchSize  = 100
)

// History persists bus events asynchronously in batches.
type History struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan events.Event
	stop   chan struct{}
	done   chan struct{}
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithHistoryLogger sets the logger.
func WithHistoryLogger(l *slog.Logger) HistoryOption { return func(h *History) { h.logger = l } }

// WithHistoryIDGenerator sets the generator for events that arrive without an id.
func WithHistoryIDGenerator(g idgen.Generator) HistoryOption {
	return func(h *History) { h.newID = g }
}

// NewHistory starts the flush goroutine. Close stops it.
func NewHistory(db *sql.DB, bufferSize int, opts ...HistoryOption) *History {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	h := &History{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan events.Event, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	go h.flushLoop()
	return h
}

// Record queues e. A full buffer falls back to a synchronous insert.
func (h *History) Record(e events.Event) {
	h.fill(&e)
	select {
	case h.ch <- e:
	default:
		h.logger.Warn("observability: history buffer full, sync insert", "kind", e.Kind)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.insert(ctx, h.db, e); err != nil {
			h.logger.Error("observability: sync insert failed", "error", err)
		}
	}
}

// Consume records everything received on ch until it closes or ctx is done.
func (h *History) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.Record(e)
		}
	}
}

// Close flushes queued events and stops the writer.
func (h *History) Close() error {
	close(h.stop)
	<-h.done
	return nil
}

// Query filters Recent.
type Query struct {
	SessionID string
	Kind      events.Kind
	Since     time.Time
	// Limit defaults to 100.
	Limit int
}

// Recent returns matching events, newest first.
func (h *History) Recent(ctx context.Context, q Query) ([]events.Event, error) {
	return Recent(ctx, h.db, q)
}

// Recent reads refresh_events directly, for processes that do not write.
func Recent(ctx context.Context, db *sql.DB, q Query) ([]events.Event, error) {
	stmt := `SELECT event_id, kind, session_id, url, selector, old_value, new_value, detail, created_at
		FROM refresh_events WHERE 1=1`
	var args []any
	if q.SessionID != "" {
		stmt += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.Kind != "" {
		stmt += " AND kind = ?"
		args = append(args, string(q.Kind))
	}
	if !q.Since.IsZero() {
		stmt += " AND created_at >= ?"
		args = append(args, q.Since.UnixMilli())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt += " ORDER BY created_at DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query history: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e                        events.Event
			kind                     string
			sessionID, url, sel, det sql.NullString
			oldV, newV               sql.NullFloat64
			at                       int64
		)
		if err := rows.Scan(&e.ID, &kind, &sessionID, &url, &sel, &oldV, &newV, &det, &at); err != nil {
			return nil, fmt.Errorf("observability: scan history: %w", err)
		}
		e.Kind = events.Kind(kind)
		e.SessionID, e.URL, e.Selector, e.Detail = sessionID.String, url.String, sel.String, det.String
		e.OldValue = nullFloat(oldV)
		e.NewValue = nullFloat(newV)
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts tallies events per kind since t.
func Counts(ctx context.Context, db *sql.DB, since time.Time) (map[events.Kind]int64, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM refresh_events WHERE created_at >= ? GROUP BY kind`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("observability: count history: %w", err)
	}
	defer rows.Close()
	out := make(map[events.Kind]int64)
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[events.Kind(k)] = n
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retentionDays. Zero or less keeps everything.
func Cleanup(ctx context.Context, db *sql.DB, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := db.ExecContext(ctx, `DELETE FROM refresh_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// RunCleanup applies Cleanup once a day until ctx is done.
func RunCleanup(ctx context.Context, db *sql.DB, retentionDays int, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := Cleanup(ctx, db, retentionDays)
		if err != nil {
			logger.Warn("observability: cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("observability: cleanup", "deleted", n, "retention_days", retentionDays)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *History) fill(e *events.Event) {
	if e.ID == "" {
		e.ID = h.newID()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
}

func (h *History) flushLoop() {
	defer close(h.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	batch := make([]events.Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := h.db.BeginTx(ctx, nil)
		if err != nil {
			h.logger.Error("observability: begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := h.insert(ctx, tx, e); err != nil {
				h.logger.Error("observability: insert", "event_id", e.ID, "error", err)
			}
		}
		if err := tx.Commit(); err != nil {
			h.logger.Error("observability: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-h.stop:
			for {
				select {
				case e := <-h.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-h.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (h *History) insert(ctx context.Context, db execer, e events.Event) error {
	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO refresh_events
		(event_id, kind, session_id, url, selector, old_value, new_value, detail, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, string(e.Kind), e.SessionID, e.URL, e.Selector,
		floatArg(e.OldValue), floatArg(e.NewValue), e.Detail, e.At.UnixMilli())
	return err
}

func floatArg(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
