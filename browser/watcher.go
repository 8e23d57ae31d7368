package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod/lib/proto"
)

// TabEvents receives tab lifecycle changes observed over DevTools.
type TabEvents interface {
	OnTabRemoved(ctx context.Context, id string)
	OnNavigated(ctx context.Context, id, url string)
}

// urlTracker reduces TargetInfoChanged noise (title updates, favicon) to
// actual address changes.
type urlTracker struct {
	mu   sync.Mutex
	seen map[string]string
}

func newURLTracker() *urlTracker { return &urlTracker{seen: make(map[string]string)} }

// changed records url for id and reports whether it differs from the last one.
func (u *urlTracker) changed(id, url string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.seen[id] == url {
		return false
	}
	u.seen[id] = url
	return true
}

func (u *urlTracker) forget(id string) {
	u.mu.Lock()
	delete(u.seen, id)
	u.mu.Unlock()
}

// Watch forwards target destruction and navigation on the current browser
// to h until ctx is done or the browser connection drops. After a recycle,
// call Watch again on the new browser.
func (t *Tabs) Watch(ctx context.Context, h TabEvents) error {
	b := t.mgr.Browser()
	if b == nil {
		return fmt.Errorf("browser: no active browser")
	}
	b = b.Context(ctx)
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("browser: discover targets: %w", err)
	}

	urls := newURLTracker()
	wait := b.EachEvent(
		func(e *proto.TargetTargetDestroyed) {
			id := string(e.TargetID)
			urls.forget(id)
			t.mu.Lock()
			delete(t.routers, id)
			t.mu.Unlock()
			h.OnTabRemoved(ctx, id)
		},
		func(e *proto.TargetTargetInfoChanged) {
			ti := e.TargetInfo
			if ti == nil || string(ti.Type) != "page" {
				return
			}
			id := string(ti.TargetID)
			if urls.changed(id, ti.URL) {
				h.OnNavigated(ctx, id, ti.URL)
			}
		},
	)
	wait()
	return ctx.Err()
}
