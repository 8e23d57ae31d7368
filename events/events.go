// Package events fans scheduler events out to whoever is listening: the SSE
// stream of the control API, the history recorder, tests. Publishing never
// blocks; a subscriber whose buffer is full misses the event, and publishing
// with no subscriber at all is a normal, silent case.
package events

import (
	"sync"
	"time"

	"github.com/hazyhaar/tabrefresh/idgen"
)

// Kind identifies the event type.
type Kind string

const (
	AlertTriggered  Kind = "alert_triggered"
	SelectorUpdated Kind = "selector_updated"
	ValueUpdated    Kind = "value_updated"
	SessionStarted  Kind = "session_started"
	SessionStopped  Kind = "session_stopped"
	NotifyResult    Kind = "notification_result"
)

// Event is one scheduler notification.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Selector  string    `json:"selector,omitempty"`
	OldValue  *float64  `json:"old_value,omitempty"`
	NewValue  *float64  `json:"new_value,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is what the scheduler depends on.
type Publisher interface {
	Publish(e Event)
}

// Bus is an in-process Publisher with zero or more subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	newID  idgen.Generator
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[int]chan Event),
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
}

// Subscribe returns a channel receiving future events and a cancel function.
// buffer is the channel capacity (minimum 1).
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish stamps e with an id and time (when unset) and offers it to every
// subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = b.newID()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
