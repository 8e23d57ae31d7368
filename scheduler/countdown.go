package scheduler

import (
	"math"
	"strconv"
	"sync"
	"time"
)

// Countdown projects the time left until each session's next wake-up. It is
// display state only; the alarms are authoritative.
//
// With an OnTick callback, a ticker per session reports the remaining time
// every tick until it reaches zero or the entry is cleared.
type Countdown struct {
	tick   time.Duration
	onTick func(id string, remaining time.Duration)
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*countdownEntry
}

type countdownEntry struct {
	deadline time.Time
	stop     chan struct{}
}

// NewCountdown creates a Countdown. onTick may be nil.
func NewCountdown(tick time.Duration, onTick func(id string, remaining time.Duration)) *Countdown {
	if tick <= 0 {
		tick = time.Second
	}
	return &Countdown{
		tick:    tick,
		onTick:  onTick,
		now:     time.Now,
		entries: make(map[string]*countdownEntry),
	}
}

// Start (re)starts the countdown for id at d.
func (c *Countdown) Start(id string, d time.Duration) {
	c.mu.Lock()
	c.clearLocked(id)
	e := &countdownEntry{deadline: c.now().Add(d)}
	if c.onTick != nil {
		e.stop = make(chan struct{})
	}
	c.entries[id] = e
	c.mu.Unlock()

	if c.onTick == nil {
		return
	}
	c.onTick(id, d)
	go c.run(id, e)
}

// Clear stops the countdown for id.
func (c *Countdown) Clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked(id)
}

// Remaining returns the time left for id, clamped at zero.
func (c *Countdown) Remaining(id string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return max(0, e.deadline.Sub(c.now())), true
}

// Close stops every ticker.
func (c *Countdown) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		c.clearLocked(id)
	}
}

func (c *Countdown) clearLocked(id string) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	if e.stop != nil {
		close(e.stop)
	}
	delete(c.entries, id)
}

func (c *Countdown) run(id string, e *countdownEntry) {
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-t.C:
			left := e.deadline.Sub(c.now())
			if left <= 0 {
				return
			}
			c.onTick(id, left)
		}
	}
}

// BadgeText renders a remaining duration the way the toolbar badge shows it:
// whole minutes from one minute up, seconds below.
func BadgeText(d time.Duration) string {
	secs := int64(math.Round(d.Seconds()))
	if secs >= 60 {
		return strconv.FormatInt(int64(math.Round(float64(secs)/60)), 10) + "m"
	}
	return strconv.FormatInt(max(secs, 0), 10) + "s"
}
