package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/tabrefresh/browser"
	"github.com/hazyhaar/tabrefresh/config"
	"github.com/hazyhaar/tabrefresh/control"
	"github.com/hazyhaar/tabrefresh/horosafe"
	"github.com/hazyhaar/tabrefresh/httptab"
	"github.com/hazyhaar/tabrefresh/scheduler"
)

// tabBackend is what both browser.Tabs and httptab.Tabs provide.
type tabBackend interface {
	scheduler.TabController
	scheduler.Inspector
	control.Tabs
}

// backend bundles a tab backend with its lifecycle hooks.
type backend struct {
	tabs tabBackend
	// attach connects backend-originated tab events to the scheduler.
	attach func(ctx context.Context, sched *scheduler.Scheduler)
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Browser.Mode {
	case config.BackendHTTP:
		tabs := httptab.New(
			httptab.WithLogger(logger),
			httptab.WithUserAgent(cfg.Browser.UserAgent),
			httptab.WithGuard(horosafe.Guard{AllowPrivate: cfg.Browser.AllowPrivate}),
		)
		return &backend{
			tabs:   tabs,
			attach: func(context.Context, *scheduler.Scheduler) {},
			close:  func() {},
		}, nil

	case config.BackendRod:
		return openRod(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Browser.Mode)
}

func openRod(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	mode, err := browser.ParseMode(cfg.Browser.Stealth)
	if err != nil {
		return nil, err
	}
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Mode:             mode,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		UserAgent:        cfg.Browser.UserAgent,
		Logger:           logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	tabs := browser.NewTabs(mgr)

	return &backend{
		tabs: tabs,
		attach: func(ctx context.Context, sched *scheduler.Scheduler) {
			attachRod(ctx, mgr, tabs, sched, logger)
		},
		close: func() {
			if err := mgr.Close(); err != nil {
				logger.Warn("tabrefresh: close browser", "error", err)
			}
		},
	}, nil
}

// attachRod forwards tab events to the scheduler and carries sessions across
// browser recycles: tabs are parked before Chrome restarts and reopened on the
// new browser, where OnNavigated resumes their stored settings.
func attachRod(ctx context.Context, mgr *browser.Manager, tabs *browser.Tabs, sched *scheduler.Scheduler, logger *slog.Logger) {
	recycled := make(chan struct{}, 1)
	var reopen []string

	mgr.SetRecycleHooks(browser.RecycleHooks{
		Before: func(*rod.Browser) {
			open, err := tabs.List(ctx)
			if err != nil {
				logger.Warn("tabrefresh: list tabs before recycle", "error", err)
				return
			}
			reopen = reopen[:0]
			for _, t := range open {
				reopen = append(reopen, t.URL)
				sched.OnTabRemoved(ctx, t.ID)
			}
		},
		After: func(*rod.Browser) {
			for _, u := range reopen {
				id, err := tabs.Open(ctx, u)
				if err != nil {
					logger.Warn("tabrefresh: reopen after recycle", "url", u, "error", err)
					continue
				}
				sched.OnNavigated(ctx, id, u)
			}
			logger.Info("tabrefresh: tabs reopened after recycle", "count", len(reopen))
			select {
			case recycled <- struct{}{}:
			default:
			}
		},
	})

	go func() {
		for {
			err := tabs.Watch(ctx, sched)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("tabrefresh: tab watch ended", "error", err)
			// Resume on the next browser, or retry a dropped connection.
			select {
			case <-ctx.Done():
				return
			case <-recycled:
			case <-time.After(30 * time.Second):
			}
		}
	}()
}
