package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/interval"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Listen != "127.0.0.1:8787" || c.Database != "tabrefresh.db" || c.LogLevel != "info" || c.BusyRetries != 5 {
		t.Fatalf("top-level defaults: %+v", c)
	}
	if c.Defaults.IntervalSeconds != 30 || c.Defaults.MinSeconds != 5 || c.Defaults.Distribution != interval.Uniform {
		t.Fatalf("session defaults: %+v", c.Defaults)
	}
	if c.Browser.Mode != BackendRod || c.Browser.Stealth != "headless" || c.Browser.RecycleInterval != 4*time.Hour {
		t.Fatalf("browser defaults: %+v", c.Browser)
	}
	if c.Alarms.Granularity != time.Second || c.API.RateLimit != 120 || c.History.RetentionDays != 30 {
		t.Fatalf("misc defaults: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

const sample = `
listen: ":9000"
log_level: debug
defaults:
  interval_seconds: 60
  distribution: gaussian
filters:
  allowlist: ["*://bank.example/*"]
  denylist: ["https://shop.example/*"]
browser:
  mode: http
  recycle_interval: 2h
  resource_blocking: [images, fonts]
alarms:
  granularity: 500ms
notifications:
  enabled: true
  telegram:
    bot_token: "123:abc"
    chat_id: "42"
  webhook:
    url: https://hooks.example/alert
alert:
  command: [paplay, /tmp/alarm.oga]
tabs:
  - url: https://shop.example/search?q=gpu
    is_active: true
    content_watch:
      enabled: true
      selector: "#count"
  - url: https://news.example/
    interval_seconds: 10
    jitter:
      enabled: true
      min_seconds: 2
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabrefresh.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if c.Listen != ":9000" || c.Browser.Mode != BackendHTTP || c.Browser.RecycleInterval != 2*time.Hour {
		t.Fatalf("parsed: %+v", c)
	}
	if c.Alarms.Granularity != 500*time.Millisecond {
		t.Fatalf("granularity = %v", c.Alarms.Granularity)
	}
	if c.Defaults.IntervalSeconds != 60 || c.Defaults.MinSeconds != 5 || c.Defaults.Distribution != interval.Gaussian {
		t.Fatalf("defaults: %+v", c.Defaults)
	}
	if len(c.Filters.Allowlist) != 1 || c.Filters.Denylist[0] != "https://shop.example/*" {
		t.Fatalf("filters: %+v", c.Filters)
	}
	if c.Notifications.Webhook.Retries != 3 || !c.Notifications.Telegram.Configured() {
		t.Fatalf("notifications: %+v", c.Notifications)
	}
	if len(c.Alert.Command) != 2 {
		t.Fatalf("alert command: %v", c.Alert.Command)
	}

	if len(c.Tabs) != 2 {
		t.Fatalf("tabs: %+v", c.Tabs)
	}
	shop := c.Tabs[0].Settings
	if !shop.Active || shop.IntervalSeconds != 60 || shop.Jitter.MinSeconds != 5 || shop.Jitter.Distribution != interval.Gaussian {
		t.Fatalf("shop tab defaults not inherited: %+v", shop)
	}
	if !shop.ContentWatch.Watching() || shop.ContentWatch.Mode != contentwatch.Increase {
		t.Fatalf("shop watch: %+v", shop.ContentWatch)
	}
	news := c.Tabs[1].Settings
	if news.Active || news.IntervalSeconds != 10 || !news.Jitter.Enabled || news.Jitter.MinSeconds != 2 || news.ContentWatch != nil {
		t.Fatalf("news tab: %+v", news)
	}
}

func TestValidateRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"log level":     "log_level: loud",
		"distribution":  "defaults: {distribution: poisson}",
		"backend":       "browser: {mode: selenium}",
		"stealth":       "browser: {stealth: invisible}",
		"notifications": "notifications: {enabled: true}",
		"tab url":       "tabs: [{interval_seconds: 5}]",
		"tab mode":      "tabs: [{url: 'https://a', content_watch: {alert_mode: sideways}}]",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("accepted")
			} else if !strings.HasPrefix(err.Error(), "config: ") {
				t.Fatalf("error not prefixed: %v", err)
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		if got, err := ParseLogLevel(in); err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", in, got, err)
		}
	}
}
