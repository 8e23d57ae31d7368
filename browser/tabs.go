package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/scheduler"
	"github.com/hazyhaar/tabrefresh/session"
)

// Tabs addresses Chrome pages by their DevTools target id. It satisfies the
// scheduler's TabController and Inspector.
type Tabs struct {
	mgr     *Manager
	block   blocker
	mu      sync.Mutex
	routers map[string]*rod.HijackRouter
}

// NewTabs wraps mgr.
func NewTabs(mgr *Manager) *Tabs {
	return &Tabs{
		mgr:     mgr,
		block:   newBlocker(mgr.cfg.ResourceBlocking),
		routers: make(map[string]*rod.HijackRouter),
	}
}

// Open creates a tab on rawURL and waits for its first load. The returned id
// is the target id.
func (t *Tabs) Open(ctx context.Context, rawURL string) (string, error) {
	b := t.mgr.Browser()
	if b == nil {
		return "", fmt.Errorf("browser: no active browser")
	}

	var (
		page *rod.Page
		err  error
	)
	if t.mgr.cfg.Mode == Headless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return "", fmt.Errorf("browser: create tab: %w", err)
	}
	id := string(page.TargetID)

	if ua := t.mgr.cfg.UserAgent; ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			t.mgr.cfg.Logger.Warn("browser: user agent override failed", "tab_id", id, "error", err)
		}
	}
	if len(t.block) > 0 {
		t.mu.Lock()
		t.routers[id] = t.block.hijack(page)
		t.mu.Unlock()
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(rawURL); err != nil {
		t.Close(ctx, id)
		return "", fmt.Errorf("browser: navigate %s: %w", rawURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		t.mgr.cfg.Logger.Warn("browser: wait load timeout", "url", rawURL, "error", err)
	}
	return id, nil
}

// Close closes the tab. A tab that is already gone is not an error.
func (t *Tabs) Close(ctx context.Context, id string) error {
	t.mu.Lock()
	router := t.routers[id]
	delete(t.routers, id)
	t.mu.Unlock()
	if router != nil {
		router.Stop()
	}

	page, err := t.page(id)
	if errors.Is(err, session.ErrTabGone) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Close(); err != nil {
		return fmt.Errorf("browser: close %s: %w", id, err)
	}
	return nil
}

// List reports every open page tab.
func (t *Tabs) List(ctx context.Context) ([]scheduler.TabInfo, error) {
	b := t.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	targets, err := proto.TargetGetTargets{}.Call(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("browser: list targets: %w", err)
	}
	var out []scheduler.TabInfo
	for _, ti := range targets.TargetInfos {
		if string(ti.Type) != "page" {
			continue
		}
		out = append(out, scheduler.TabInfo{ID: string(ti.TargetID), URL: ti.URL})
	}
	return out, nil
}

// Reload reloads the tab without waiting for the load to finish.
func (t *Tabs) Reload(ctx context.Context, id string) error {
	page, err := t.page(id)
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Reload(); err != nil {
		if _, gone := t.page(id); errors.Is(gone, session.ErrTabGone) {
			return gone
		}
		return fmt.Errorf("%w: reload %s: %v", session.ErrTabUnreachable, id, err)
	}
	return nil
}

// CurrentURL reports the tab's current address.
func (t *Tabs) CurrentURL(ctx context.Context, id string) (string, error) {
	page, err := t.page(id)
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("%w: info %s: %v", session.ErrTabUnreachable, id, err)
	}
	return info.URL, nil
}

// ReadValue reads the text of the first element matching selector and
// extracts a number from it. Missing elements and text without a number are
// content-read failures.
func (t *Tabs) ReadValue(ctx context.Context, id, selector string) (float64, error) {
	page, err := t.page(id)
	if err != nil {
		return 0, err
	}
	found, el, err := page.Context(ctx).Has(selector)
	if err != nil {
		return 0, fmt.Errorf("%w: query %q: %v", session.ErrContentRead, selector, err)
	}
	if !found {
		return 0, fmt.Errorf("%w: no element matches %q", session.ErrContentRead, selector)
	}
	text, err := el.Text()
	if err != nil {
		return 0, fmt.Errorf("%w: text of %q: %v", session.ErrContentRead, selector, err)
	}
	v, ok := contentwatch.ExtractNumber(text)
	if !ok {
		return 0, fmt.Errorf("%w: no number in %q", session.ErrContentRead, truncate(text, 40))
	}
	return v, nil
}

// page resolves id against the live target list, so a closed tab reports
// ErrTabGone instead of a protocol error.
func (t *Tabs) page(id string) (*rod.Page, error) {
	b := t.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("%w: no active browser", session.ErrTabUnreachable)
	}
	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("%w: list pages: %v", session.ErrTabUnreachable, err)
	}
	for _, p := range pages {
		if string(p.TargetID) == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", session.ErrTabGone, id)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
