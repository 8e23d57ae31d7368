package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/dbopen"
	"github.com/hazyhaar/tabrefresh/events"
)

var ctx = context.Background()

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(ctx, db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestInitCreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"refresh_events", "daemon_heartbeats"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	// Idempotent.
	if err := Init(ctx, db); err != nil {
		t.Fatal(err)
	}
}

func TestHistoryRecordAndRecent(t *testing.T) {
	db := setupObsDB(t)
	h := NewHistory(db, 10)

	base := time.Now().Add(-time.Minute)
	h.Record(events.Event{Kind: events.SessionStarted, SessionID: "7", URL: "https://a", At: base})
	h.Record(events.Event{
		ID: "evt_fixed", Kind: events.AlertTriggered, SessionID: "7", URL: "https://a", Selector: "#n",
		OldValue: contentwatch.Float(3), NewValue: contentwatch.Float(5), At: base.Add(time.Second),
	})
	h.Record(events.Event{Kind: events.SessionStarted, SessionID: "8", At: base.Add(2 * time.Second)})
	h.Close()

	all, err := h.Recent(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].SessionID != "8" {
		t.Fatalf("recent = %+v", all)
	}

	alerts, _ := h.Recent(ctx, Query{Kind: events.AlertTriggered})
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v", alerts)
	}
	a := alerts[0]
	if a.ID != "evt_fixed" || a.Selector != "#n" || *a.OldValue != 3 || *a.NewValue != 5 {
		t.Fatalf("alert round trip: %+v", a)
	}
	if a.At.UnixMilli() != base.Add(time.Second).UnixMilli() {
		t.Fatalf("timestamp = %v", a.At)
	}

	s7, _ := Recent(ctx, db, Query{SessionID: "7", Limit: 1})
	if len(s7) != 1 || s7[0].Kind != events.AlertTriggered {
		t.Fatalf("session filter = %+v", s7)
	}
	started, _ := Recent(ctx, db, Query{SessionID: "7", Kind: events.SessionStarted})
	if len(started) != 1 || started[0].OldValue != nil {
		t.Fatalf("nil values round trip: %+v", started)
	}
}

// WHAT: events arriving over a bus subscription are persisted.
// WHY: the daemon wires History to the bus; nothing else writes history.
func TestHistoryConsumesBus(t *testing.T) {
	db := setupObsDB(t)
	h := NewHistory(db, 10)
	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(8)

	done := make(chan struct{})
	go func() {
		h.Consume(ctx, ch)
		close(done)
	}()

	bus.Publish(events.Event{Kind: events.ValueUpdated, SessionID: "1", NewValue: contentwatch.Float(4)})
	bus.Publish(events.Event{Kind: events.SessionStopped, SessionID: "1"})
	unsubscribe()
	<-done
	h.Close()

	got, err := Recent(ctx, db, Query{SessionID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("persisted %d events", len(got))
	}
	for _, e := range got {
		if e.ID == "" {
			t.Fatal("event stored without id")
		}
	}
}

func TestCountsAndCleanup(t *testing.T) {
	db := setupObsDB(t)
	h := NewHistory(db, 10)
	old := time.Now().AddDate(0, 0, -40)
	h.Record(events.Event{Kind: events.AlertTriggered, At: old})
	h.Record(events.Event{Kind: events.AlertTriggered})
	h.Record(events.Event{Kind: events.ValueUpdated})
	h.Close()

	counts, err := Counts(ctx, db, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if counts[events.AlertTriggered] != 1 || counts[events.ValueUpdated] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	if n, _ := Cleanup(ctx, db, 0); n != 0 {
		t.Fatalf("retention 0 deleted %d", n)
	}
	n, err := Cleanup(ctx, db, 30)
	if err != nil || n != 1 {
		t.Fatalf("cleanup = %d, %v", n, err)
	}
	left, _ := Recent(ctx, db, Query{})
	if len(left) != 2 {
		t.Fatalf("left = %d", len(left))
	}
}

func TestHeartbeat(t *testing.T) {
	db := setupObsDB(t)

	if hb, err := LastHeartbeat(ctx, db, "tabrefresh"); err != nil || hb != nil {
		t.Fatalf("before first write: %+v, %v", hb, err)
	}
	if (*Heartbeat)(nil).Alive(time.Hour) {
		t.Fatal("nil heartbeat alive")
	}

	live := 3
	hw := NewHeartbeatWriter(db, "tabrefresh", time.Hour, func() int { return live })
	if err := hw.Write(ctx); err != nil {
		t.Fatal(err)
	}
	live = 4
	if err := hw.Write(ctx); err != nil {
		t.Fatal(err)
	}

	hb, err := LastHeartbeat(ctx, db, "tabrefresh")
	if err != nil || hb == nil {
		t.Fatalf("heartbeat = %+v, %v", hb, err)
	}
	if hb.LiveSessions != 4 || hb.Goroutines <= 0 || !hb.Alive(time.Minute) {
		t.Fatalf("heartbeat = %+v", hb)
	}
	var rows int
	db.QueryRow("SELECT COUNT(*) FROM daemon_heartbeats").Scan(&rows)
	if rows != 1 {
		t.Fatalf("rows = %d, want upsert", rows)
	}
}
