package scheduler

import (
	"context"
	"errors"

	"github.com/hazyhaar/tabrefresh/contentwatch"
	"github.com/hazyhaar/tabrefresh/events"
	"github.com/hazyhaar/tabrefresh/notify"
	"github.com/hazyhaar/tabrefresh/session"
)

// fire is the TimerAlarms callback.
func (s *Scheduler) fire(id string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WakeTimeout)
	defer cancel()
	s.OnWake(ctx, id)
}

// OnWake runs one refresh cycle for id. It never returns an error: every
// failure becomes a session state change, a log line or a skipped step.
//
// A wake for a session whose previous wake is still running is dropped; the
// running one re-arms when it finishes.
func (s *Scheduler) OnWake(ctx context.Context, id string) {
	if !s.reg.begin(id) {
		s.logger.Debug("scheduler: wake already running", "session_id", id)
		return
	}
	defer s.reg.end(id)

	defer func() {
		if r := recover(); r != nil {
			// A live session must not be left unarmed.
			s.logger.Error("scheduler: wake panicked", "session_id", id, "panic", r)
			s.reschedule(id)
		}
	}()

	sess, ok := s.resolve(ctx, id)
	if !ok || !sess.Active {
		s.alarms.Cancel(id)
		s.countdown.Clear(id)
		s.logger.Debug("scheduler: wake for inactive session", "session_id", id)
		return
	}

	url := s.refreshURL(ctx, id, sess.URL)

	if s.cfg.Filter.IsExempt(url) {
		s.logger.Info("scheduler: url exempt, reload skipped", "session_id", id, "url", url)
		s.reschedule(id)
		return
	}

	verdict := s.checkContent(ctx, id)

	switch s.reload(ctx, id) {
	case reloadGone:
		return
	case reloadOK:
		if verdict.Alert {
			s.raise(id, url, verdict)
		}
	}

	s.reschedule(id)
}

// resolve returns the live session, recovering it from the store (by id,
// then by the tab's current URL) when memory has none.
func (s *Scheduler) resolve(ctx context.Context, id string) (session.Session, bool) {
	if sess, ok := s.reg.get(id); ok {
		return sess, true
	}

	url, err := s.cfg.Tabs.CurrentURL(ctx, id)
	if err != nil {
		url = ""
	}
	rec, err := s.cfg.Store.Recover(ctx, id, url)
	if err != nil {
		s.logger.Warn("scheduler: recover", "session_id", id, "error", err)
		return session.Session{}, false
	}
	if rec == nil {
		return session.Session{}, false
	}
	if url != "" {
		rec.URL = url
	}
	if rec.Active {
		rec.State = session.Active
	} else {
		rec.State = session.Inactive
	}
	s.reg.putIfAbsent(*rec)
	s.logger.Info("scheduler: session recovered", "session_id", id, "url", rec.URL, "active", rec.Active)

	// A concurrent Toggle may have won the slot; that one is authoritative.
	return s.reg.get(id)
}

// refreshURL adopts the tab's live URL and persists when it moved. It returns
// the URL to use for this cycle.
func (s *Scheduler) refreshURL(ctx context.Context, id, known string) string {
	live, err := s.cfg.Tabs.CurrentURL(ctx, id)
	if err != nil || live == "" {
		return known
	}
	changed := false
	s.reg.update(id, func(cur *session.Session) bool {
		if cur.URL == live {
			return false
		}
		cur.URL = live
		changed = true
		return true
	})
	if changed {
		s.logger.Info("scheduler: tab url changed", "session_id", id, "from", known, "to", live)
		s.persist(ctx)
	}
	return live
}

// checkContent reads the watched value and folds it into the baseline. A
// failed read leaves the baseline alone and yields no alert.
func (s *Scheduler) checkContent(ctx context.Context, id string) contentwatch.Verdict {
	sess, ok := s.reg.get(id)
	if !ok || !sess.ContentWatch.Watching() {
		return contentwatch.Verdict{}
	}
	selector := sess.ContentWatch.Selector

	value, err := s.cfg.Inspector.ReadValue(ctx, id, selector)
	if err != nil {
		s.logger.Warn("scheduler: content read failed", "session_id", id, "selector", selector, "error", err)
		return contentwatch.Verdict{}
	}

	v, found, watching := s.observeSelector(id, selector, value)
	if !found || !watching {
		// Stopped, removed or re-pointed while the read was in flight.
		return contentwatch.Verdict{}
	}
	s.persist(ctx)
	s.valueUpdated(id, v)
	return v
}

type reloadOutcome int

const (
	reloadOK reloadOutcome = iota
	// reloadTransient: the tab exists but could not be reloaded this cycle.
	reloadTransient
	// reloadGone: the tab is closed and the session has been shut down.
	reloadGone
)

// reload reloads the tab and applies the state change for the outcome.
func (s *Scheduler) reload(ctx context.Context, id string) reloadOutcome {
	err := s.cfg.Tabs.Reload(ctx, id)
	switch {
	case err == nil:
		s.reg.update(id, func(cur *session.Session) bool {
			if cur.State != session.Suspended {
				return false
			}
			cur.State = session.Active
			return true
		})
		s.logger.Debug("scheduler: reloaded", "session_id", id)
		return reloadOK

	case errors.Is(err, session.ErrTabGone):
		s.alarms.Cancel(id)
		s.countdown.Clear(id)
		sess, ok := s.reg.remove(id)
		if ok {
			sess.Active = false
			sess.State = session.Inactive
			s.reg.park(sess)
		}
		s.persist(ctx)
		s.logger.Info("scheduler: tab gone, session ended", "session_id", id)
		s.cfg.Events.Publish(events.Event{
			Kind:      events.SessionStopped,
			SessionID: id,
			URL:       sess.URL,
			Detail:    "tab gone",
		})
		return reloadGone

	default:
		s.reg.update(id, func(cur *session.Session) bool {
			if !cur.Active {
				return false
			}
			cur.State = session.Suspended
			return true
		})
		s.logger.Warn("scheduler: reload failed, will retry", "session_id", id, "error", err)
		return reloadTransient
	}
}

// reschedule arms the next wake-up from the session's current settings,
// unless it was stopped meanwhile.
func (s *Scheduler) reschedule(id string) {
	sess, ok := s.reg.get(id)
	if !ok || !sess.Active {
		return
	}
	s.arm(id, sess.Settings)
}

// observe folds value into the baseline of id whatever its selector.
func (s *Scheduler) observe(id string, value float64) (v contentwatch.Verdict, found, watching bool) {
	return s.observeSelector(id, "", value)
}

// observeSelector evaluates value against the stored baseline and replaces
// the baseline, atomically with respect to other registry writers. A
// non-empty selector must still match the session's.
func (s *Scheduler) observeSelector(id, selector string, value float64) (v contentwatch.Verdict, found, watching bool) {
	_, found = s.reg.update(id, func(cur *session.Session) bool {
		cw := cur.ContentWatch
		if !cw.Watching() || (selector != "" && cw.Selector != selector) {
			return false
		}
		watching = true
		v = contentwatch.Evaluate(cw.LastValue, &value, cw.Mode, cw.Threshold)
		cw.LastValue = cloneFloat(v.Baseline)
		return true
	})
	return v, found, watching
}

// readAndReport reads the watched value once and handles it like a pushed
// report. Used for the initial baseline and after navigation.
func (s *Scheduler) readAndReport(ctx context.Context, id string) {
	sess, ok := s.reg.get(id)
	if !ok || !sess.ContentWatch.Watching() {
		return
	}
	value, err := s.cfg.Inspector.ReadValue(ctx, id, sess.ContentWatch.Selector)
	if err != nil {
		s.logger.Debug("scheduler: value not readable yet", "session_id", id, "error", err)
		return
	}
	if _, err := s.ReportValue(ctx, id, value); err != nil {
		s.logger.Debug("scheduler: report value", "session_id", id, "error", err)
	}
}

func (s *Scheduler) valueUpdated(id string, v contentwatch.Verdict) {
	if !v.Observed {
		return
	}
	s.cfg.Events.Publish(events.Event{
		Kind:      events.ValueUpdated,
		SessionID: id,
		OldValue:  cloneFloat(v.Old),
		NewValue:  cloneFloat(v.New),
	})
}

// raise plays the alert, announces it and hands the notification to a tracked
// goroutine so delivery never holds up the cycle.
func (s *Scheduler) raise(id, url string, v contentwatch.Verdict) {
	s.cfg.Alert.Play()
	s.logger.Info("scheduler: alert", "session_id", id, "url", url,
		"old", notify.FormatValue(v.Old), "new", notify.FormatValue(v.New))
	s.cfg.Events.Publish(events.Event{
		Kind:      events.AlertTriggered,
		SessionID: id,
		URL:       url,
		OldValue:  cloneFloat(v.Old),
		NewValue:  cloneFloat(v.New),
	})

	p := notify.Payload{SessionID: id, URL: url, OldValue: cloneFloat(v.Old), NewValue: cloneFloat(v.New)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.NotifyTimeout)
		defer cancel()

		ev := events.Event{Kind: events.NotifyResult, SessionID: id, URL: url, Detail: "delivered"}
		if err := s.cfg.Notifier.Notify(ctx, p); err != nil {
			ev.Detail = err.Error()
		}
		s.cfg.Events.Publish(ev)
	}()
}
