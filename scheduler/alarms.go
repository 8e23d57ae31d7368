package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Alarms arms and cancels one-shot wake-ups. At most one wake-up is pending
// per session: Arm replaces any earlier one.
type Alarms interface {
	Arm(id string, d time.Duration)
	Cancel(id string)
}

// TimerAlarms is the in-process Alarms implementation. Delays are rounded up
// to the granularity, so a wake-up may fire later than asked but never
// earlier, and never sooner than one granule.
type TimerAlarms struct {
	fire        func(id string)
	granularity time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	timers map[string]*pendingAlarm
	gen    uint64
	closed bool
}

type pendingAlarm struct {
	timer *time.Timer
	gen   uint64
	due   time.Time
}

// NewTimerAlarms creates TimerAlarms calling fire on expiry. fire runs on its
// own goroutine; a panic inside it is recovered and logged.
func NewTimerAlarms(fire func(id string), granularity time.Duration, logger *slog.Logger) *TimerAlarms {
	if granularity <= 0 {
		granularity = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerAlarms{
		fire:        fire,
		granularity: granularity,
		logger:      logger,
		timers:      make(map[string]*pendingAlarm),
	}
}

// Arm schedules a wake-up for id after d, replacing any pending one.
func (a *TimerAlarms) Arm(id string, d time.Duration) {
	d = a.round(d)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if p, ok := a.timers[id]; ok {
		p.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timers[id] = &pendingAlarm{
		gen:   gen,
		due:   time.Now().Add(d),
		timer: time.AfterFunc(d, func() { a.trigger(id, gen) }),
	}
}

// Cancel drops the pending wake-up for id, if any. A wake-up whose callback
// already started is not interrupted.
func (a *TimerAlarms) Cancel(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.timers[id]; ok {
		p.timer.Stop()
		delete(a.timers, id)
	}
}

// Due returns when the pending wake-up for id fires.
func (a *TimerAlarms) Due(id string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return p.due, true
}

// Pending returns the number of armed wake-ups.
func (a *TimerAlarms) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Close cancels everything. Arm becomes a no-op.
func (a *TimerAlarms) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, p := range a.timers {
		p.timer.Stop()
		delete(a.timers, id)
	}
}

func (a *TimerAlarms) trigger(id string, gen uint64) {
	a.mu.Lock()
	p, ok := a.timers[id]
	if !ok || p.gen != gen {
		// Replaced or cancelled after the timer had already fired.
		a.mu.Unlock()
		return
	}
	delete(a.timers, id)
	a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("scheduler: wake panicked", "session_id", id, "panic", fmt.Sprint(r))
		}
	}()
	a.fire(id)
}

func (a *TimerAlarms) round(d time.Duration) time.Duration {
	if d < a.granularity {
		return a.granularity
	}
	if r := d % a.granularity; r != 0 {
		d += a.granularity - r
	}
	return d
}
