// Package session defines the per-tab scheduling and content-watch state
// shared by the scheduler, its durable store and the control surfaces.
package session

import (
	"time"

	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/interval"
)

// State is the scheduler-side lifecycle of a session.
type State string

const (
	Inactive State = "inactive"
	Active   State = "active"
	// Suspended means the last reload failed on a tab that still exists.
	Suspended State = "suspended"
)

// Jitter configures the random spread around the nominal interval.
type Jitter struct {
	Enabled      bool                  `json:"enabled" yaml:"enabled"`
	MinSeconds   float64               `json:"min_seconds" yaml:"min_seconds"`
	Distribution interval.Distribution `json:"distribution" yaml:"distribution"`
}

// ContentWatch watches a numeric value on the page.
type ContentWatch struct {
	Enabled   bool              `json:"enabled" yaml:"enabled"`
	Selector  string            `json:"selector" yaml:"selector"`
	LastValue *float64          `json:"last_value" yaml:"last_value"`
	Mode      contentwatch.Mode `json:"alert_mode" yaml:"alert_mode"`
	Threshold float64           `json:"threshold" yaml:"threshold"`
}

// Watching reports whether the watch is usable this cycle.
func (c *ContentWatch) Watching() bool {
	return c != nil && c.Enabled && c.Selector != ""
}

// Settings is the user-editable part of a session.
type Settings struct {
	Active          bool          `json:"is_active" yaml:"is_active"`
	IntervalSeconds float64       `json:"interval_seconds" yaml:"interval_seconds"`
	Jitter          Jitter        `json:"jitter" yaml:"jitter"`
	ContentWatch    *ContentWatch `json:"content_watch,omitempty" yaml:"content_watch,omitempty"`
}

// Target returns the nominal interval.
func (s Settings) Target() time.Duration { return interval.Seconds(s.IntervalSeconds) }

// MinLimit returns the jitter floor.
func (s Settings) MinLimit() time.Duration { return interval.Seconds(s.Jitter.MinSeconds) }

// IntervalJitter returns the jitter in the form the interval model expects.
func (s Settings) IntervalJitter() interval.Jitter {
	return interval.Jitter{Enabled: s.Jitter.Enabled, Distribution: s.Jitter.Distribution}
}

// Clone deep-copies the settings.
func (s Settings) Clone() Settings {
	if s.ContentWatch != nil {
		cw := *s.ContentWatch
		if cw.LastValue != nil {
			v := *cw.LastValue
			cw.LastValue = &v
		}
		s.ContentWatch = &cw
	}
	return s
}

// Session is the scheduling and content-watch state owned for one tab.
type Session struct {
	ID  string `json:"tab_id"`
	URL string `json:"tab_url"`
	Settings
	State State `json:"state"`
}

// Clone deep-copies the session.
func (s Session) Clone() Session {
	s.Settings = s.Settings.Clone()
	return s
}

// Defaults are applied to sessions created implicitly, e.g. by a selector pick.
type Defaults struct {
	IntervalSeconds float64               `json:"interval_seconds" yaml:"interval_seconds"`
	MinSeconds      float64               `json:"min_seconds" yaml:"min_seconds"`
	Distribution    interval.Distribution `json:"distribution" yaml:"distribution"`
}

// NewSettings returns inactive settings built from d.
func (d Defaults) NewSettings() Settings {
	return Settings{
		IntervalSeconds: d.IntervalSeconds,
		Jitter: Jitter{
			MinSeconds:   d.MinSeconds,
			Distribution: d.Distribution,
		},
	}
}
