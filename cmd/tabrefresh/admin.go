package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hazyhaar/tabrefresh/config"
	"github.com/hazyhaar/tabrefresh/control"
	"github.com/hazyhaar/tabrefresh/dbopen"
	"github.com/hazyhaar/tabrefresh/kvstore"
	"github.com/hazyhaar/tabrefresh/notify"
	"github.com/hazyhaar/tabrefresh/observability"
	"github.com/hazyhaar/tabrefresh/timerstore"
	"github.com/hazyhaar/tabrefresh/urlfilter"
)

// openStore opens the daemon database for the admin subcommands.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *kvstore.Store, error) {
	db, err := dbopen.Open(cfg.Database, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, err
	}
	kv := kvstore.New(db, kvstore.WithRetry(dbopen.Retry{Attempts: cfg.BusyRetries}))
	if err := kv.Init(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := observability.Init(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, kv, nil
}

// runFilter edits the persisted lists. A running daemon picks the change up
// through its kv watcher.
func runFilter(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("filter: want allow|deny|remove <pattern> or list")
	}
	db, kv, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	lists, err := urlfilter.Seed(ctx, kv, cfg.Filters)
	if err != nil {
		return err
	}

	switch op := args[0]; op {
	case "list":
		return printJSON(lists)
	case "allow", "deny":
		if len(args) != 2 {
			return fmt.Errorf("filter %s: want one pattern", op)
		}
		if err := lists.Add(op, args[1]); err != nil {
			return err
		}
	case "remove":
		if len(args) != 2 {
			return errors.New("filter remove: want one pattern")
		}
		if !lists.Remove(args[1]) {
			return fmt.Errorf("filter remove: %q is in neither list", args[1])
		}
	default:
		return fmt.Errorf("filter: unknown operation %q", op)
	}
	if err := urlfilter.SaveLists(ctx, kv, lists); err != nil {
		return err
	}
	return printJSON(lists)
}

func runSessions(ctx context.Context, cfg *config.Config) error {
	db, kv, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	all, err := timerstore.New(kv).All(ctx)
	if err != nil {
		return err
	}
	return printJSON(all)
}

type statusReport struct {
	Heartbeat        *observability.Heartbeat `json:"heartbeat"`
	Alive            bool                     `json:"alive"`
	EventsLast24h    map[string]int64         `json:"events_last_24h"`
	LastNotification *notify.Status           `json:"last_notification"`
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	db, kv, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var rep statusReport
	if rep.Heartbeat, err = observability.LastHeartbeat(ctx, db, "tabrefresh"); err != nil {
		return err
	}
	rep.Alive = rep.Heartbeat.Alive(time.Minute)

	counts, err := observability.Counts(ctx, db, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	rep.EventsLast24h = make(map[string]int64, len(counts))
	for k, n := range counts {
		rep.EventsLast24h[string(k)] = n
	}

	if rep.LastNotification, err = notify.New(nil, notify.WithStatusStore(kv)).LastStatus(ctx); err != nil {
		return err
	}
	return printJSON(rep)
}

func runHashToken(args []string) error {
	if len(args) != 1 {
		return errors.New("hash-token: want exactly one token")
	}
	h, err := control.HashToken(args[0])
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
