package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Retry is the policy for writes that hit a lock held by another connection.
// The daemon and the admin CLI write the same file, and busy_timeout alone
// does not cover a BUSY returned at commit under WAL.
type Retry struct {
	// Attempts is the total number of tries, first one included. Default 5.
	Attempts int
	// Backoff is the first pause; it doubles after every BUSY. Default 50ms.
	Backoff time.Duration
	// MaxBackoff caps a single pause. Default 1s.
	MaxBackoff time.Duration
}

// DefaultRetry is used by the package-level RunTx and Exec.
var DefaultRetry = Retry{Attempts: 5, Backoff: 50 * time.Millisecond, MaxBackoff: time.Second}

func (r Retry) withDefaults() Retry {
	if r.Attempts <= 0 {
		r.Attempts = DefaultRetry.Attempts
	}
	if r.Backoff <= 0 {
		r.Backoff = DefaultRetry.Backoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = DefaultRetry.MaxBackoff
	}
	return r
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including
// extended codes such as SQLITE_BUSY_SNAPSHOT.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	// Errors that crossed a text boundary (logs, wrapped strings).
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// do runs op until it succeeds, fails with a non-BUSY error or the attempts
// run out. The last error is returned as is so callers can inspect it.
func (r Retry) do(ctx context.Context, what string, op func() error) error {
	r = r.withDefaults()
	pause := r.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil || !IsBusy(err) || attempt == r.Attempts {
			return err
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: %s: gave up after %d busy attempts: %w", what, attempt, ctx.Err())
		case <-t.C:
		}
		pause = min(pause*2, r.MaxBackoff)
	}
}

// RunTx runs fn in a transaction, retrying the whole transaction on BUSY.
func (r Retry) RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return r.do(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs one statement under the policy.
func (r Retry) Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := r.do(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// RunTx is DefaultRetry.RunTx.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return DefaultRetry.RunTx(ctx, db, fn)
}

// Exec is DefaultRetry.Exec.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return DefaultRetry.Exec(ctx, db, query, args...)
}
