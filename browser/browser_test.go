package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/tabrefresh/session"
)

func TestBlocker(t *testing.T) {
	b := newBlocker([]string{"Images", " fonts ", "", "xhr"})
	for typ, want := range map[proto.NetworkResourceType]bool{
		proto.NetworkResourceTypeImage:      true,
		proto.NetworkResourceTypeFont:       true,
		proto.NetworkResourceTypeXHR:        true,
		proto.NetworkResourceTypeStylesheet: false,
		proto.NetworkResourceTypeDocument:   false,
		proto.NetworkResourceTypeMedia:      false,
	} {
		if got := b.blocks(typ); got != want {
			t.Errorf("blocks(%s) = %v, want %v", typ, got, want)
		}
	}
	if newBlocker(nil).blocks(proto.NetworkResourceTypeImage) {
		t.Error("empty blocker blocks images")
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.MemoryLimit != 1<<30 || c.RecycleInterval != 4*time.Hour || c.XvfbDisplay != ":99" || c.Logger == nil {
		t.Fatalf("defaults = %+v", c)
	}

	c = Config{MemoryLimit: 5, RecycleInterval: time.Minute, XvfbDisplay: ":1"}
	c.defaults()
	if c.MemoryLimit != 5 || c.RecycleInterval != time.Minute || c.XvfbDisplay != ":1" {
		t.Fatalf("explicit values overridden: %+v", c)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": Headless, "headless": Headless, "HEADFUL": Headful} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("invisible"); err == nil {
		t.Error("unknown mode accepted")
	}
	if Headful.String() != "headful" || Headless.String() != "headless" {
		t.Error("String mismatch")
	}
}

func TestURLTracker(t *testing.T) {
	u := newURLTracker()
	if !u.changed("A", "https://a") {
		t.Fatal("first sighting not a change")
	}
	if u.changed("A", "https://a") {
		t.Fatal("same URL reported as change")
	}
	if !u.changed("A", "https://a/2") {
		t.Fatal("new URL not a change")
	}
	u.forget("A")
	if !u.changed("A", "https://a/2") {
		t.Fatal("forgotten tab not reported")
	}
}

// WHAT: without a running browser every tab operation fails cleanly.
// WHY: the scheduler treats ErrTabUnreachable as transient; a panic or a
// false ErrTabGone would end sessions during a Chrome restart.
func TestTabsWithoutBrowser(t *testing.T) {
	tabs := NewTabs(NewManager(Config{}))
	ctx := context.Background()

	if err := tabs.Reload(ctx, "T1"); !errors.Is(err, session.ErrTabUnreachable) {
		t.Errorf("Reload: %v", err)
	}
	if _, err := tabs.CurrentURL(ctx, "T1"); !errors.Is(err, session.ErrTabUnreachable) {
		t.Errorf("CurrentURL: %v", err)
	}
	if _, err := tabs.ReadValue(ctx, "T1", "#price"); !errors.Is(err, session.ErrTabUnreachable) {
		t.Errorf("ReadValue: %v", err)
	}
	if _, err := tabs.List(ctx); err == nil {
		t.Error("List succeeded without a browser")
	}
	if _, err := tabs.Open(ctx, "https://example.com"); err == nil {
		t.Error("Open succeeded without a browser")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  short  ", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("ééééé", 3); got != "ééé..." {
		t.Errorf("got %q", got)
	}
}
