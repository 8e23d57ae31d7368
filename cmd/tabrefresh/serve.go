package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tabrefresh/alert"
	"github.com/hazyhaar/tabrefresh/config"
	"github.com/hazyhaar/tabrefresh/control"
	"github.com/hazyhaar/tabrefresh/dbopen"
	"github.com/hazyhaar/tabrefresh/events"
	"github.com/hazyhaar/tabrefresh/kvstore"
	"github.com/hazyhaar/tabrefresh/notify"
	"github.com/hazyhaar/tabrefresh/observability"
	"github.com/hazyhaar/tabrefresh/scheduler"
	"github.com/hazyhaar/tabrefresh/timerstore"
	"github.com/hazyhaar/tabrefresh/urlfilter"
	"github.com/hazyhaar/tabrefresh/watch"
)

func runServe(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	db, err := dbopen.Open(cfg.Database, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	kv := kvstore.New(db, kvstore.WithRetry(dbopen.Retry{Attempts: cfg.BusyRetries}))
	if err := kv.Init(ctx); err != nil {
		return err
	}
	if err := observability.Init(ctx, db); err != nil {
		return err
	}

	// Event bus and history. The history subscription is closed after the
	// scheduler so its final events are still recorded.
	bus := events.NewBus()
	defer bus.Close()
	history := observability.NewHistory(db, 1000, observability.WithHistoryLogger(logger))
	histCh, unsubscribe := bus.Subscribe(256)
	consumed := make(chan struct{})
	go func() {
		history.Consume(context.WithoutCancel(ctx), histCh)
		close(consumed)
	}()
	defer func() {
		unsubscribe()
		<-consumed
		history.Close()
	}()
	go observability.RunCleanup(ctx, db, cfg.History.RetentionDays, logger)

	// URL filter: config seeds the lists once, later edits live in the kv
	// row and are picked up by the watcher, including edits made by the
	// filter subcommand from another process.
	lists, err := urlfilter.Seed(ctx, kv, cfg.Filters)
	if err != nil {
		return fmt.Errorf("seed filters: %w", err)
	}
	filter := urlfilter.New(lists.Allowlist, lists.Denylist)
	filterWatch := watch.New(db, watch.Options{
		Interval: 2 * time.Second,
		Detector: watch.KeyVersion(urlfilter.StorageKey),
		Logger:   logger,
	})
	go filterWatch.OnChange(ctx, func() error {
		if err := filter.Reload(ctx, kv); err != nil {
			return err
		}
		logger.Info("tabrefresh: filters reloaded", "allow", len(filter.Lists().Allowlist), "deny", len(filter.Lists().Denylist))
		return nil
	})

	notifier, err := buildNotifier(cfg, kv, logger)
	if err != nil {
		return err
	}
	alarm := alert.New(cfg.Alert.Command, logger)
	defer alarm.Stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	sched, err := scheduler.New(scheduler.Config{
		Tabs:        be.tabs,
		Inspector:   be.tabs,
		Store:       timerstore.New(kv),
		Filter:      filter,
		Notifier:    notifier,
		Alert:       alarm,
		Events:      bus,
		Defaults:    cfg.Defaults,
		Granularity: cfg.Alarms.Granularity,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer sched.Close()
	be.attach(ctx, sched)

	if err := startTabs(ctx, cfg, be.tabs, sched, logger); err != nil {
		return err
	}

	hb := observability.NewHeartbeatWriter(db, "tabrefresh", 15*time.Second, func() int {
		return len(sched.Sessions())
	})
	go hb.Run(ctx)

	ctl, err := control.New(control.Config{
		Scheduler:   sched,
		Tabs:        be.tabs,
		Status:      notifier,
		History:     history,
		Events:      bus,
		Filter:      filter,
		FilterStore: kv,
		TokenHash:   cfg.API.TokenHash,
		RateLimit:   cfg.API.RateLimit,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if cfg.MCP.Stdio {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "tabrefresh", Version: version}, nil)
		ctl.RegisterMCP(mcpSrv)
		go func() {
			logger.Info("tabrefresh: MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("tabrefresh: MCP stdio", "error", err)
			}
		}()
	}

	// No WriteTimeout: /events is a long-lived stream. BaseContext ends
	// streams on shutdown.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           ctl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tabrefresh: server starting", "listen", cfg.Listen, "backend", cfg.Browser.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("tabrefresh: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("tabrefresh: shutdown", "error", err)
	}
	logger.Info("tabrefresh: stopped")
	return nil
}

// buildNotifier returns a notifier with the configured senders. With
// notifications disabled it has none and Notify is a no-op.
func buildNotifier(cfg *config.Config, kv *kvstore.Store, logger *slog.Logger) (*notify.Notifier, error) {
	var senders []notify.Sender
	if cfg.Notifications.Enabled {
		if tg := cfg.Notifications.Telegram; tg.Configured() {
			senders = append(senders, notify.NewTelegram(tg))
		}
		if cfg.Notifications.Webhook.URL != "" {
			wh, err := notify.NewWebhook(cfg.Notifications.Webhook, logger)
			if err != nil {
				return nil, err
			}
			senders = append(senders, wh)
		}
	}
	return notify.New(senders, notify.WithLogger(logger), notify.WithStatusStore(kv)), nil
}

// startTabs opens the configured tabs, restores persisted sessions for
// every open tab and applies the configured settings to tabs that had none
// stored. A stored record, active or not, wins over the file.
func startTabs(ctx context.Context, cfg *config.Config, tabs tabBackend, sched *scheduler.Scheduler, logger *slog.Logger) error {
	opened := make(map[string]config.TabConfig, len(cfg.Tabs))
	for _, tc := range cfg.Tabs {
		id, err := tabs.Open(ctx, tc.URL)
		if err != nil {
			logger.Warn("tabrefresh: open configured tab", "url", tc.URL, "error", err)
			continue
		}
		opened[id] = tc
	}

	open, err := tabs.List(ctx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	restored := sched.Restore(ctx, open)
	logger.Info("tabrefresh: sessions restored", "open_tabs", len(open), "restored", restored)

	for id, tc := range opened {
		sess, err := sched.GetSessionSettings(ctx, id)
		if err != nil {
			return err
		}
		if sess != nil {
			continue
		}
		if err := sched.UpdateSettings(ctx, id, tc.URL, tc.Settings); err != nil {
			logger.Warn("tabrefresh: configured tab settings", "url", tc.URL, "error", err)
		}
	}
	return nil
}
