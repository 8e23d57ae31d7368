// Package config loads the tabrefresh daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/tabrefresh/browser"
	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/interval"
	"github.com/hazyhaar/tabrefresh/notify"
	"github.com/hazyhaar/tabrefresh/session"
	"github.com/hazyhaar/tabrefresh/urlfilter"
)

// Tab backends.
const (
	BackendRod  = "rod"
	BackendHTTP = "http"
)

// Config is the top-level configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	Database      string              `yaml:"database"`
	LogLevel      string              `yaml:"log_level"`
	BusyRetries   int                 `yaml:"busy_retries"`
	Defaults      session.Defaults    `yaml:"defaults"`
	Filters       urlfilter.Lists     `yaml:"filters"`
	Browser       BrowserConfig       `yaml:"browser"`
	Alarms        AlarmsConfig        `yaml:"alarms"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Alert         AlertConfig         `yaml:"alert"`
	API           APIConfig           `yaml:"api"`
	MCP           MCPConfig           `yaml:"mcp"`
	History       HistoryConfig       `yaml:"history"`
	Tabs          []TabConfig         `yaml:"tabs"`
}

// BrowserConfig selects and tunes the tab backend.
type BrowserConfig struct {
	Mode             string        `yaml:"mode"` // rod | http
	Remote           string        `yaml:"remote"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
	UserAgent        string        `yaml:"user_agent"`
	// AllowPrivate lets HTTP tabs open LAN and loopback URLs.
	AllowPrivate bool `yaml:"allow_private"`
}

// AlarmsConfig tunes the wake-up timers.
type AlarmsConfig struct {
	Granularity time.Duration `yaml:"granularity"`
}

// NotificationsConfig configures outbound alert delivery.
type NotificationsConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Telegram notify.TelegramConfig `yaml:"telegram"`
	Webhook  notify.WebhookConfig  `yaml:"webhook"`
}

// AlertConfig configures the local alert signal.
type AlertConfig struct {
	// Command is an optional player argv, e.g. [paplay, /usr/share/sounds/alarm.oga].
	Command []string `yaml:"command"`
}

// APIConfig protects the HTTP control surface.
type APIConfig struct {
	// TokenHash is a bcrypt hash of the bearer token. Empty disables auth.
	TokenHash string `yaml:"token_hash"`
	// RateLimit is requests per minute per client IP.
	RateLimit int `yaml:"rate_limit"`
}

// MCPConfig enables the MCP tool server.
type MCPConfig struct {
	Stdio bool `yaml:"stdio"`
}

// HistoryConfig controls the event log.
type HistoryConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// TabConfig is a tab opened at startup with its initial settings.
type TabConfig struct {
	URL      string           `yaml:"url"`
	Settings session.Settings `yaml:",inline"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadFile reads, defaults and validates a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8787"
	}
	if c.Database == "" {
		c.Database = "tabrefresh.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	// The filter CLI and the daemon share the file.
	if c.BusyRetries <= 0 {
		c.BusyRetries = 5
	}
	if c.Defaults.IntervalSeconds <= 0 {
		c.Defaults.IntervalSeconds = 30
	}
	if c.Defaults.MinSeconds <= 0 {
		c.Defaults.MinSeconds = 5
	}
	if c.Defaults.Distribution == "" {
		c.Defaults.Distribution = interval.Uniform
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = BackendRod
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Alarms.Granularity <= 0 {
		c.Alarms.Granularity = time.Second
	}
	if c.Notifications.Webhook.URL != "" && c.Notifications.Webhook.Retries == 0 {
		c.Notifications.Webhook.Retries = 3
	}
	if c.API.RateLimit <= 0 {
		c.API.RateLimit = 120
	}
	if c.History.RetentionDays <= 0 {
		c.History.RetentionDays = 30
	}
	for i := range c.Tabs {
		st := &c.Tabs[i].Settings
		if st.IntervalSeconds <= 0 {
			st.IntervalSeconds = c.Defaults.IntervalSeconds
		}
		if st.Jitter.MinSeconds <= 0 {
			st.Jitter.MinSeconds = c.Defaults.MinSeconds
		}
		if st.Jitter.Distribution == "" {
			st.Jitter.Distribution = c.Defaults.Distribution
		}
		if cw := st.ContentWatch; cw != nil && cw.Mode == "" {
			cw.Mode = contentwatch.Increase
		}
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := interval.ParseDistribution(string(c.Defaults.Distribution)); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	switch c.Browser.Mode {
	case BackendRod, BackendHTTP:
	default:
		errs = append(errs, fmt.Errorf("browser.mode %q: want rod or http", c.Browser.Mode))
	}
	if _, err := browser.ParseMode(c.Browser.Stealth); err != nil {
		errs = append(errs, err)
	}
	if c.Notifications.Enabled && !c.Notifications.Telegram.Configured() && c.Notifications.Webhook.URL == "" {
		errs = append(errs, errors.New("notifications enabled without telegram or webhook"))
	}
	for i, t := range c.Tabs {
		if t.URL == "" {
			errs = append(errs, fmt.Errorf("tabs[%d]: url is required", i))
		}
		if _, err := interval.ParseDistribution(string(t.Settings.Jitter.Distribution)); err != nil {
			errs = append(errs, fmt.Errorf("tabs[%d]: %w", i, err))
		}
		if cw := t.Settings.ContentWatch; cw != nil {
			if _, err := contentwatch.ParseMode(string(cw.Mode)); err != nil {
				errs = append(errs, fmt.Errorf("tabs[%d]: %w", i, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseLogLevel maps debug|info|warn|error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q: want debug, info, warn or error", s)
}
