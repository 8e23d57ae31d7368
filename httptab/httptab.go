// Package httptab is the browserless tab backend: a "tab" is a URL plus the
// last body fetched for it, a reload is a conditional GET, and selector reads
// run against the stored HTML with goquery.
package httptab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/horosafe"
	"github.com/hazyhaar/tabrefresh/idgen"
	"github.com/hazyhaar/tabrefresh/scheduler"
	"github.com/hazyhaar/tabrefresh/session"
)

// maxBody caps a single page download.
const maxBody = 10 << 20

type tab struct {
	url       string
	body      []byte
	etag      string
	lastMod   string
	status    int
	fetchedAt time.Time
}

// Tabs holds HTTP tabs by id. It satisfies the scheduler's TabController and
// Inspector.
type Tabs struct {
	client *http.Client
	ua     string
	guard  horosafe.Guard
	newID  idgen.Generator
	logger *slog.Logger

	mu   sync.RWMutex
	tabs map[string]*tab
}

// Option configures Tabs.
type Option func(*Tabs)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) Option { return func(t *Tabs) { t.client = c } }

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Tabs) {
		if ua != "" {
			t.ua = ua
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tabs) { t.logger = l } }

// WithGuard replaces the address guard applied to opened URLs.
func WithGuard(g horosafe.Guard) Option { return func(t *Tabs) { t.guard = g } }

// WithIDGenerator sets the tab id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(t *Tabs) { t.newID = g } }

// New creates an empty tab set.
func New(opts ...Option) *Tabs {
	t := &Tabs{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; tabrefresh/1.0)",
		newID:  idgen.Prefixed("tab_", idgen.NanoID(12)),
		logger: slog.Default(),
		tabs:   make(map[string]*tab),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Open fetches rawURL and registers it as a new tab.
func (t *Tabs) Open(ctx context.Context, rawURL string) (string, error) {
	if err := t.guard.Check(rawURL); err != nil {
		return "", fmt.Errorf("httptab: open: %w", err)
	}
	tb := &tab{url: rawURL}
	if err := t.fetch(ctx, tb); err != nil {
		return "", fmt.Errorf("httptab: open %s: %w", rawURL, err)
	}
	id := t.newID()
	t.mu.Lock()
	t.tabs[id] = tb
	t.mu.Unlock()
	t.logger.Info("httptab: opened", "tab_id", id, "url", tb.url)
	return id, nil
}

// Close forgets the tab. An unknown id reports ErrTabGone.
func (t *Tabs) Close(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tabs[id]; !ok {
		return fmt.Errorf("%w: %s", session.ErrTabGone, id)
	}
	delete(t.tabs, id)
	t.logger.Info("httptab: closed", "tab_id", id)
	return nil
}

// List reports the open tabs sorted by id.
func (t *Tabs) List(context.Context) ([]scheduler.TabInfo, error) {
	t.mu.RLock()
	out := make([]scheduler.TabInfo, 0, len(t.tabs))
	for id, tb := range t.tabs {
		out = append(out, scheduler.TabInfo{ID: id, URL: tb.url})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reload refetches the tab. A 304 keeps the previous body.
func (t *Tabs) Reload(ctx context.Context, id string) error {
	cur, err := t.get(id)
	if err != nil {
		return err
	}
	next := cur
	if err := t.fetch(ctx, &next); err != nil {
		return fmt.Errorf("%w: %s: %v", session.ErrTabUnreachable, id, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Closed while fetching.
	if _, ok := t.tabs[id]; !ok {
		return fmt.Errorf("%w: %s", session.ErrTabGone, id)
	}
	t.tabs[id] = &next
	return nil
}

// CurrentURL reports the address after the last redirect.
func (t *Tabs) CurrentURL(_ context.Context, id string) (string, error) {
	tb, err := t.get(id)
	if err != nil {
		return "", err
	}
	return tb.url, nil
}

// ReadValue extracts a number from the text of the first element matching
// selector in the last fetched body.
func (t *Tabs) ReadValue(_ context.Context, id, selector string) (float64, error) {
	tb, err := t.get(id)
	if err != nil {
		return 0, err
	}
	m, err := cascadia.Compile(selector)
	if err != nil {
		return 0, fmt.Errorf("%w: selector %q: %v", session.ErrContentRead, selector, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(tb.body))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", session.ErrContentRead, tb.url, err)
	}
	sel := doc.FindMatcher(m).First()
	if sel.Length() == 0 {
		return 0, fmt.Errorf("%w: no element matches %q", session.ErrContentRead, selector)
	}
	v, ok := contentwatch.ExtractNumber(sel.Text())
	if !ok {
		return 0, fmt.Errorf("%w: no number under %q", session.ErrContentRead, selector)
	}
	return v, nil
}

// ValidateSelector reports whether selector is a valid CSS selector.
func ValidateSelector(selector string) error {
	if strings.TrimSpace(selector) == "" {
		return errors.New("httptab: empty selector")
	}
	if _, err := cascadia.Compile(selector); err != nil {
		return fmt.Errorf("httptab: selector %q: %w", selector, err)
	}
	return nil
}

func (t *Tabs) get(id string) (tab, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tb, ok := t.tabs[id]
	if !ok {
		return tab{}, fmt.Errorf("%w: %s", session.ErrTabGone, id)
	}
	return *tb, nil
}

// fetch GETs tb.url and updates tb in place.
func (t *Tabs) fetch(ctx context.Context, tb *tab) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tb.url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", t.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if tb.body != nil {
		if tb.etag != "" {
			req.Header.Set("If-None-Match", tb.etag)
		}
		if tb.lastMod != "" {
			req.Header.Set("If-Modified-Since", tb.lastMod)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	tb.status = resp.StatusCode
	tb.fetchedAt = time.Now()
	if resp.Request != nil && resp.Request.URL != nil {
		tb.url = resp.Request.URL.String()
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && tb.body != nil:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		t.logger.Debug("httptab: not modified", "url", tb.url)
		return nil
	case resp.StatusCode >= 400:
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := horosafe.LimitedReadAll(resp.Body, maxBody)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	tb.body = body
	tb.etag = resp.Header.Get("ETag")
	tb.lastMod = resp.Header.Get("Last-Modified")

	t.logger.Debug("httptab: fetched", "url", tb.url, "status", resp.StatusCode, "size", len(body))
	return nil
}
