// Package scheduler runs the per-tab refresh loop: it owns the session table,
// arms one wake-up per active session, reloads the tab when the wake-up fires,
// evaluates the content watch and raises alerts.
//
// All operations are safe for concurrent use. Handlers that call out to a tab
// or to storage re-read the session afterwards instead of trusting a copy
// taken before the call, so a Toggle or UpdateSettings that lands in between
// is never lost.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/events"
	"github.com/hazyhaar/tabrefresh/interval"
	"github.com/hazyhaar/tabrefresh/notify"
	"github.com/hazyhaar/tabrefresh/session"
)

// TabController reloads tabs and reports their URL. Reload returns an error
// wrapping session.ErrTabGone when the tab no longer exists; any other error
// is treated as transient.
type TabController interface {
	Reload(ctx context.Context, id string) error
	CurrentURL(ctx context.Context, id string) (string, error)
}

// Inspector reads the numeric value under a selector in a tab.
type Inspector interface {
	ReadValue(ctx context.Context, id, selector string) (float64, error)
}

// Store is the durable mirror of the session table.
type Store interface {
	SaveAll(ctx context.Context, sessions []session.Session) error
	Recover(ctx context.Context, id, url string) (*session.Session, error)
	LoadByURL(ctx context.Context, url string) (*session.Session, error)
	All(ctx context.Context) ([]session.Session, error)
}

// Exempter decides whether a URL must not be reloaded.
type Exempter interface {
	IsExempt(url string) bool
}

// Notifier delivers alert payloads.
type Notifier interface {
	Notify(ctx context.Context, p notify.Payload) error
}

// AlertSignal is the local alarm.
type AlertSignal interface {
	Play()
	Stop()
}

var (
	// ErrInvalidSettings is returned for settings that cannot be scheduled.
	ErrInvalidSettings = errors.New("scheduler: invalid settings")
	// ErrMissingTab is returned when an operation lacks a tab id or URL.
	ErrMissingTab = errors.New("scheduler: missing tab id or url")
	// ErrNotWatching is returned by ReportValue for a session without a usable content watch.
	ErrNotWatching = errors.New("scheduler: content watch not enabled")
)

// Config wires the scheduler to its collaborators. Tabs and Store are
// required; the rest fall back to no-ops.
type Config struct {
	Tabs      TabController
	Inspector Inspector
	Store     Store
	Filter    Exempter
	Notifier  Notifier
	Alert     AlertSignal
	Events    events.Publisher

	// Alarms defaults to TimerAlarms firing OnWake.
	Alarms Alarms
	// Interval defaults to interval.New(nil).
	Interval *interval.Model
	// Defaults seed sessions created by a selector pick.
	Defaults session.Defaults

	// Granularity of the default TimerAlarms. Default: 1s.
	Granularity time.Duration
	// WakeTimeout bounds one OnWake run started by an alarm. Default: 60s.
	WakeTimeout time.Duration
	// NotifyTimeout bounds one notification delivery. Default: 30s.
	NotifyTimeout time.Duration
	// SettleDelay is waited after a navigation before reading the watched
	// value. Default: 1s; negative means no delay.
	SettleDelay time.Duration
	// OnTick receives countdown ticks; nil disables the tickers.
	OnTick func(id string, remaining time.Duration)

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Granularity <= 0 {
		c.Granularity = time.Second
	}
	if c.WakeTimeout <= 0 {
		c.WakeTimeout = 60 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = time.Second
	}
	if c.Interval == nil {
		c.Interval = interval.New(nil)
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
	if c.Inspector == nil {
		c.Inspector = noInspector{}
	}
	if c.Filter == nil {
		c.Filter = noFilter{}
	}
	if c.Notifier == nil {
		c.Notifier = noNotifier{}
	}
	if c.Alert == nil {
		c.Alert = noAlert{}
	}
	if c.Events == nil {
		c.Events = noEvents{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler is the refresh engine.
type Scheduler struct {
	cfg       Config
	reg       *registry
	alarms    Alarms
	countdown *Countdown
	logger    *slog.Logger

	persistMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Tabs == nil {
		return nil, fmt.Errorf("scheduler: Tabs is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler: Store is required")
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		reg:       newRegistry(),
		countdown: NewCountdown(time.Second, cfg.OnTick),
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.alarms = cfg.Alarms
	if s.alarms == nil {
		s.alarms = NewTimerAlarms(s.fire, cfg.Granularity, cfg.Logger)
	}
	return s, nil
}

// Close stops every wake-up and countdown and waits for in-flight
// notifications and delayed reads.
func (s *Scheduler) Close() {
	s.closed.Do(func() {
		if ta, ok := s.alarms.(*TimerAlarms); ok {
			ta.Close()
		}
		s.countdown.Close()
		s.cancel()
		s.wg.Wait()
	})
}

// View is a session with its countdown projection.
type View struct {
	session.Session
	Remaining   time.Duration `json:"-"`
	RemainingMS int64         `json:"remaining_ms"`
	Badge       string        `json:"badge,omitempty"`
}

// Sessions lists live sessions ordered by id.
func (s *Scheduler) Sessions() []View {
	live := s.reg.liveSessions()
	out := make([]View, 0, len(live))
	for _, sess := range live {
		v := View{Session: sess}
		if rem, ok := s.countdown.Remaining(sess.ID); ok {
			v.Remaining = rem
			v.RemainingMS = rem.Milliseconds()
			v.Badge = BadgeText(rem)
		}
		out = append(out, v)
	}
	return out
}

// State returns the state of the live session id.
func (s *Scheduler) State(id string) (session.State, bool) {
	sess, ok := s.reg.get(id)
	if !ok {
		return "", false
	}
	return sess.State, true
}

// GetSessionSettings returns the session for id from memory or, failing that,
// the stored record for the tab's current URL. It returns nil when neither
// exists.
func (s *Scheduler) GetSessionSettings(ctx context.Context, id string) (*session.Session, error) {
	if sess, ok := s.reg.get(id); ok {
		return &sess, nil
	}

	url, err := s.cfg.Tabs.CurrentURL(ctx, id)
	if err != nil || url == "" {
		return nil, nil
	}
	if parked, ok := s.reg.parkedByURL(url); ok {
		parked.ID = id
		return &parked, nil
	}
	rec, err := s.cfg.Store.LoadByURL(ctx, url)
	if err != nil {
		s.logger.Warn("scheduler: load by url", "url", url, "error", err)
		return nil, nil
	}
	if rec != nil {
		rec.ID, rec.URL = id, url
	}
	return rec, nil
}

// Toggle starts or stops the timer for id. Starting an already active session
// replaces its pending wake-up with a fresh one.
func (s *Scheduler) Toggle(ctx context.Context, id, url string, settings session.Settings) error {
	if id == "" {
		return ErrMissingTab
	}
	if settings.Active {
		if err := validate(settings); err != nil {
			return err
		}
		s.start(ctx, id, url, settings)
		return nil
	}
	s.stop(ctx, id, url, settings)
	return nil
}

// UpdateSettings merges settings into the session for id. A session that was
// active and stays active is re-armed at once with a fresh delay; one that
// becomes inactive is stopped; one that becomes active is started.
func (s *Scheduler) UpdateSettings(ctx context.Context, id, url string, settings session.Settings) error {
	if id == "" {
		return ErrMissingTab
	}
	if err := validate(settings); err != nil {
		return err
	}

	prev, existed := s.reg.get(id)
	wasActive := existed && prev.Active
	if !wasActive && settings.Active {
		s.start(ctx, id, url, settings)
		return nil
	}
	if wasActive && !settings.Active {
		s.stop(ctx, id, url, settings)
		return nil
	}

	next := session.Session{ID: id, URL: url, State: session.Inactive}
	if existed {
		next.State = prev.State
		if url == "" {
			next.URL = prev.URL
		}
	}
	next.Settings = mergeSettings(prev.Settings, settings, existed)
	s.reg.put(next)

	if next.Active {
		s.arm(id, next.Settings)
	}
	s.persist(ctx)
	s.logger.Info("scheduler: settings updated", "session_id", id, "active", next.Active, "interval_seconds", next.IntervalSeconds)
	return nil
}

// StopAlert silences the alert signal.
func (s *Scheduler) StopAlert() {
	s.cfg.Alert.Stop()
}

// NotifySelectorPicked records selector and its observed value as the watched
// element of the tab, creating an inactive session from the defaults when the
// tab has none. value is nil when the element held no number.
func (s *Scheduler) NotifySelectorPicked(ctx context.Context, id, url, selector string, value *float64) error {
	if id == "" || url == "" {
		return ErrMissingTab
	}
	if selector == "" {
		return fmt.Errorf("%w: empty selector", ErrInvalidSettings)
	}

	sess, ok := s.reg.get(id)
	if !ok {
		sess = session.Session{ID: id, Settings: s.cfg.Defaults.NewSettings(), State: session.Inactive}
	}
	sess.URL = url
	if sess.ContentWatch == nil {
		sess.ContentWatch = &session.ContentWatch{Mode: contentwatch.Increase}
	}
	sess.ContentWatch.Enabled = true
	sess.ContentWatch.Selector = selector
	sess.ContentWatch.LastValue = cloneFloat(value)
	s.reg.put(sess)
	s.persist(ctx)

	s.logger.Info("scheduler: selector picked", "session_id", id, "url", url, "selector", selector)
	s.cfg.Events.Publish(events.Event{
		Kind:      events.SelectorUpdated,
		SessionID: id,
		URL:       url,
		Selector:  selector,
		NewValue:  cloneFloat(value),
	})
	return nil
}

// ReportValue evaluates a reading pushed by the page between cycles against
// the session's rule, stores it as the new baseline and raises the alert when
// the rule fires.
func (s *Scheduler) ReportValue(ctx context.Context, id string, value float64) (contentwatch.Verdict, error) {
	v, ok, watching := s.observe(id, value)
	if !ok {
		return contentwatch.Verdict{}, fmt.Errorf("scheduler: report value: %w", session.ErrNoSession)
	}
	if !watching {
		return contentwatch.Verdict{}, ErrNotWatching
	}
	s.persist(ctx)
	s.valueUpdated(id, v)
	if v.Alert {
		sess, _ := s.reg.get(id)
		s.raise(id, sess.URL, v)
	}
	return v, nil
}

// OnTabRemoved stops the timer of a closed tab. Its settings are parked by URL
// with the active flag kept, so a tab that reopens the page resumes them.
func (s *Scheduler) OnTabRemoved(ctx context.Context, id string) {
	s.alarms.Cancel(id)
	s.countdown.Clear(id)
	sess, ok := s.reg.remove(id)
	if !ok {
		return
	}
	sess.State = session.Inactive
	s.reg.park(sess)
	s.persist(ctx)

	s.logger.Info("scheduler: tab removed", "session_id", id, "url", sess.URL)
	s.cfg.Events.Publish(events.Event{
		Kind:      events.SessionStopped,
		SessionID: id,
		URL:       sess.URL,
		Detail:    "tab removed",
	})
}

// OnNavigated handles a tab that finished loading url. A tab without a live
// session whose URL has stored active settings gets its timer started. When
// the resulting session watches a value, the value is read once after
// SettleDelay.
func (s *Scheduler) OnNavigated(ctx context.Context, id, url string) {
	if id == "" || url == "" {
		return
	}

	if _, live := s.reg.get(id); !live {
		rec := s.stored(ctx, url)
		if rec == nil || !rec.Active {
			return
		}
		s.start(ctx, id, url, rec.Settings)
	}

	sess, ok := s.reg.get(id)
	if !ok || !sess.Active || !sess.ContentWatch.Watching() {
		return
	}
	s.after(s.cfg.SettleDelay, func(ctx context.Context) {
		s.readAndReport(ctx, id)
	})
}

// TabInfo describes an open tab at startup.
type TabInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Restore starts the timers of open tabs whose URL has stored active settings
// and parks every other stored record so later snapshots keep it. It returns
// the number of timers started. An unreadable store restores nothing; the
// daemon starts with an empty table.
func (s *Scheduler) Restore(ctx context.Context, tabs []TabInfo) int {
	recs, err := s.cfg.Store.All(ctx)
	if err != nil {
		s.logger.Warn("scheduler: restore: store unreadable, starting empty", "error", err)
		recs = nil
	}
	byURL := make(map[string]session.Session, len(recs))
	for _, r := range recs {
		byURL[r.URL] = r
	}

	started := 0
	for _, t := range tabs {
		rec, ok := byURL[t.URL]
		if !ok || !rec.Active {
			continue
		}
		delete(byURL, t.URL)
		if _, live := s.reg.get(t.ID); live {
			continue
		}
		s.start(ctx, t.ID, t.URL, rec.Settings)
		started++
	}
	for _, rec := range byURL {
		rec.State = session.Inactive
		s.reg.park(rec)
	}

	s.logger.Info("scheduler: restored", "started", started, "parked", len(byURL))
	return started
}

// start makes id an active session, arms it, persists and, for a watch with no
// baseline yet, takes the initial reading.
func (s *Scheduler) start(ctx context.Context, id, url string, settings session.Settings) {
	prev, existed := s.reg.get(id)
	if url == "" && existed {
		url = prev.URL
	}
	next := session.Session{
		ID:       id,
		URL:      url,
		Settings: mergeSettings(prev.Settings, settings, existed),
		State:    session.Active,
	}
	next.Active = true
	s.reg.put(next)

	d := s.arm(id, next.Settings)
	s.persist(ctx)

	s.logger.Info("scheduler: started", "session_id", id, "url", url, "delay", d)
	s.cfg.Events.Publish(events.Event{Kind: events.SessionStarted, SessionID: id, URL: url})

	if cw := next.ContentWatch; cw.Watching() && cw.LastValue == nil {
		s.readAndReport(ctx, id)
	}
}

// stop cancels the wake-up for id and keeps the session inactive.
func (s *Scheduler) stop(ctx context.Context, id, url string, settings session.Settings) {
	s.alarms.Cancel(id)
	s.countdown.Clear(id)

	prev, existed := s.reg.get(id)
	if url == "" && existed {
		url = prev.URL
	}
	next := session.Session{
		ID:       id,
		URL:      url,
		Settings: mergeSettings(prev.Settings, settings, existed),
		State:    session.Inactive,
	}
	next.Active = false
	s.reg.put(next)
	s.persist(ctx)

	s.logger.Info("scheduler: stopped", "session_id", id, "url", url)
	s.cfg.Events.Publish(events.Event{Kind: events.SessionStopped, SessionID: id, URL: url})
}

// arm computes the next delay from settings and arms id with it.
func (s *Scheduler) arm(id string, settings session.Settings) time.Duration {
	d := s.cfg.Interval.Next(settings.Target(), settings.MinLimit(), settings.IntervalJitter())
	s.alarms.Arm(id, d)
	s.countdown.Start(id, d)
	s.logger.Debug("scheduler: armed", "session_id", id, "delay", d)
	return d
}

// persist writes the whole table. Failures are logged and swallowed.
func (s *Scheduler) persist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.cfg.Store.SaveAll(ctx, s.reg.snapshot()); err != nil {
		s.logger.Warn("scheduler: persist", "error", err)
	}
}

// stored finds the settings kept for url, parked first then durable.
func (s *Scheduler) stored(ctx context.Context, url string) *session.Session {
	if p, ok := s.reg.parkedByURL(url); ok {
		return &p
	}
	rec, err := s.cfg.Store.LoadByURL(ctx, url)
	if err != nil {
		s.logger.Warn("scheduler: load by url", "url", url, "error", err)
		return nil
	}
	return rec
}

// after runs fn on a tracked goroutine once d has passed, unless the
// scheduler closes first.
func (s *Scheduler) after(d time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-s.ctx.Done():
				return
			}
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WakeTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func validate(st session.Settings) error {
	if st.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval_seconds must be positive", ErrInvalidSettings)
	}
	if st.Jitter.MinSeconds < 0 {
		return fmt.Errorf("%w: min_seconds must not be negative", ErrInvalidSettings)
	}
	if st.Jitter.Distribution != "" {
		if _, err := interval.ParseDistribution(string(st.Jitter.Distribution)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	if cw := st.ContentWatch; cw != nil && cw.Mode != "" {
		if _, err := contentwatch.ParseMode(string(cw.Mode)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	return nil
}

// mergeSettings applies incoming over prev. The stored baseline survives when
// the selector is unchanged and incoming carries none, since callers that
// edit the interval rarely echo the last reading back.
func mergeSettings(prev, incoming session.Settings, existed bool) session.Settings {
	out := incoming.Clone()
	if !existed || prev.ContentWatch == nil || out.ContentWatch == nil {
		return out
	}
	if out.ContentWatch.LastValue == nil && out.ContentWatch.Selector == prev.ContentWatch.Selector {
		out.ContentWatch.LastValue = cloneFloat(prev.ContentWatch.LastValue)
	}
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type noInspector struct{}

func (noInspector) ReadValue(context.Context, string, string) (float64, error) {
	return 0, session.ErrContentRead
}

type noFilter struct{}

func (noFilter) IsExempt(string) bool { return false }

type noNotifier struct{}

func (noNotifier) Notify(context.Context, notify.Payload) error { return nil }

type noAlert struct{}

func (noAlert) Play() {}
func (noAlert) Stop() {}

type noEvents struct{}

func (noEvents) Publish(events.Event) {}
