package httptab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/tabrefresh/horosafe"
	"github.com/hazyhaar/tabrefresh/session"
)

var ctx = context.Background()

// page serves a result count that increments on every full response.
type page struct {
	hits  atomic.Int32
	count atomic.Int32
	etag  string
}

func (p *page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.hits.Add(1)
	if p.etag != "" && r.Header.Get("If-None-Match") == p.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if p.etag != "" {
		w.Header().Set("ETag", p.etag)
	}
	fmt.Fprintf(w, `<html><body><div id="count">Showing 1-20 of %d results</div><p class="empty">none</p></body></html>`, p.count.Load())
}

func newTabs(t *testing.T, h http.Handler) (*Tabs, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(WithClient(srv.Client()), WithGuard(horosafe.Guard{AllowPrivate: true})), srv
}

func TestOpenReloadRead(t *testing.T) {
	p := &page{}
	p.count.Store(134)
	tabs, srv := newTabs(t, p)

	id, err := tabs.Open(ctx, srv.URL+"/search")
	if err != nil {
		t.Fatal(err)
	}
	v, err := tabs.ReadValue(ctx, id, "#count")
	if err != nil || v != 134 {
		t.Fatalf("ReadValue = %v, %v", v, err)
	}

	p.count.Store(135)
	// Still the old body until the tab reloads.
	if v, _ := tabs.ReadValue(ctx, id, "#count"); v != 134 {
		t.Fatalf("read before reload = %v", v)
	}
	if err := tabs.Reload(ctx, id); err != nil {
		t.Fatal(err)
	}
	if v, _ := tabs.ReadValue(ctx, id, "#count"); v != 135 {
		t.Fatalf("read after reload = %v", v)
	}

	u, err := tabs.CurrentURL(ctx, id)
	if err != nil || u != srv.URL+"/search" {
		t.Fatalf("CurrentURL = %q, %v", u, err)
	}
	list, _ := tabs.List(ctx)
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("List = %+v", list)
	}
}

func TestReadValueFailures(t *testing.T) {
	p := &page{}
	tabs, srv := newTabs(t, p)
	id, err := tabs.Open(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	for _, sel := range []string{"#missing", "p.empty", "div[", ""} {
		if _, err := tabs.ReadValue(ctx, id, sel); !errors.Is(err, session.ErrContentRead) {
			t.Errorf("ReadValue(%q) = %v, want ErrContentRead", sel, err)
		}
	}
}

func TestClosedTabIsGone(t *testing.T) {
	tabs, srv := newTabs(t, &page{})
	id, _ := tabs.Open(ctx, srv.URL)

	if err := tabs.Close(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := tabs.Close(ctx, id); !errors.Is(err, session.ErrTabGone) {
		t.Fatalf("second Close = %v", err)
	}
	if err := tabs.Reload(ctx, id); !errors.Is(err, session.ErrTabGone) {
		t.Fatalf("Reload = %v", err)
	}
	if _, err := tabs.CurrentURL(ctx, id); !errors.Is(err, session.ErrTabGone) {
		t.Fatalf("CurrentURL = %v", err)
	}
	if _, err := tabs.ReadValue(ctx, id, "#count"); !errors.Is(err, session.ErrTabGone) {
		t.Fatalf("ReadValue = %v", err)
	}
}

// WHAT: a server error during reload is a transient failure, not a gone tab.
// WHY: the scheduler only ends a session on ErrTabGone.
func TestReloadServerErrorIsTransient(t *testing.T) {
	var fail atomic.Bool
	tabs, srv := newTabs(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `<span id="n">7 items</span>`)
	}))
	id, err := tabs.Open(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	fail.Store(true)
	err = tabs.Reload(ctx, id)
	if !errors.Is(err, session.ErrTabUnreachable) || errors.Is(err, session.ErrTabGone) {
		t.Fatalf("Reload = %v", err)
	}
	// The last good body is kept.
	if v, err := tabs.ReadValue(ctx, id, "#n"); err != nil || v != 7 {
		t.Fatalf("ReadValue = %v, %v", v, err)
	}
}

func TestReloadNotModifiedKeepsBody(t *testing.T) {
	p := &page{etag: `"v1"`}
	p.count.Store(9)
	tabs, srv := newTabs(t, p)
	id, _ := tabs.Open(ctx, srv.URL)

	if err := tabs.Reload(ctx, id); err != nil {
		t.Fatal(err)
	}
	if p.hits.Load() != 2 {
		t.Fatalf("hits = %d", p.hits.Load())
	}
	if v, err := tabs.ReadValue(ctx, id, "#count"); err != nil || v != 9 {
		t.Fatalf("ReadValue after 304 = %v, %v", v, err)
	}
}

func TestOpenFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/final", &page{})
	mux.Handle("/start", http.RedirectHandler("/final", http.StatusFound))
	tabs, srv := newTabs(t, mux)

	id, err := tabs.Open(ctx, srv.URL+"/start")
	if err != nil {
		t.Fatal(err)
	}
	if u, _ := tabs.CurrentURL(ctx, id); u != srv.URL+"/final" {
		t.Fatalf("CurrentURL = %q", u)
	}
}

func TestOpenRejects(t *testing.T) {
	tabs := New()
	for _, u := range []string{"file:///etc/passwd", "http://127.0.0.1/", "http://10.0.0.1/x"} {
		if _, err := tabs.Open(ctx, u); err == nil {
			t.Errorf("Open(%q) accepted", u)
		}
	}

	tabs, srv := newTabs(t, http.NotFoundHandler())
	if _, err := tabs.Open(ctx, srv.URL); err == nil {
		t.Error("Open of a 404 page accepted")
	}
}

func TestValidateSelector(t *testing.T) {
	for sel, ok := range map[string]bool{
		"#count":             true,
		"div.results > span": true,
		"ul li:nth-child(2)": true,
		"":                   false,
		"div[":               false,
		"  ":                 false,
	} {
		if err := ValidateSelector(sel); (err == nil) != ok {
			t.Errorf("ValidateSelector(%q) = %v", sel, err)
		}
	}
}
