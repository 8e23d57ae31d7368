package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tabrefresh/dbopen"
	"github.com/hazyhaar/tabrefresh/events"
	"github.com/hazyhaar/tabrefresh/kvstore"
	"github.com/hazyhaar/tabrefresh/notify"
	"github.com/hazyhaar/tabrefresh/session"
	"github.com/hazyhaar/tabrefresh/timerstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeTabs is a TabController over an in-memory tab table.
type fakeTabs struct {
	mu        sync.Mutex
	urls      map[string]string
	reloadErr map[string]error
	reloads   map[string]int
}

func newFakeTabs() *fakeTabs {
	return &fakeTabs{
		urls:      map[string]string{},
		reloadErr: map[string]error{},
		reloads:   map[string]int{},
	}
}

func (f *fakeTabs) open(id, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[id] = url
}

func (f *fakeTabs) close(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.urls, id)
}

func (f *fakeTabs) failReload(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.reloadErr, id)
		return
	}
	f.reloadErr[id] = err
}

func (f *fakeTabs) reloadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads[id]
}

func (f *fakeTabs) Reload(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads[id]++
	if err, ok := f.reloadErr[id]; ok {
		return err
	}
	if _, ok := f.urls[id]; !ok {
		return session.ErrTabGone
	}
	return nil
}

func (f *fakeTabs) CurrentURL(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.urls[id]
	if !ok {
		return "", session.ErrTabGone
	}
	return u, nil
}

// fakeInspector returns the configured value per tab, or ErrContentRead.
type fakeInspector struct {
	mu     sync.Mutex
	values map[string]float64
	reads  int
	gate   chan struct{}
}

func (f *fakeInspector) set(id string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = map[string]float64{}
	}
	f.values[id] = v
}

func (f *fakeInspector) unset(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, id)
}

func (f *fakeInspector) ReadValue(ctx context.Context, id, _ string) (float64, error) {
	f.mu.Lock()
	gate := f.gate
	f.reads++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[id]
	if !ok {
		return 0, session.ErrContentRead
	}
	return v, nil
}

// fakeAlarms records the last delay armed per session.
// panicInspector panics on ReadValue once armed.
type panicInspector struct{ armed atomic.Bool }

func (p *panicInspector) ReadValue(context.Context, string, string) (float64, error) {
	if p.armed.Load() {
		panic("inspector exploded")
	}
	return 0, session.ErrContentRead
}

type fakeAlarms struct {
	mu      sync.Mutex
	armed   map[string]time.Duration
	arms    map[string]int
	cancels map[string]int
}

func newFakeAlarms() *fakeAlarms {
	return &fakeAlarms{
		armed:   map[string]time.Duration{},
		arms:    map[string]int{},
		cancels: map[string]int{},
	}
}

func (f *fakeAlarms) Arm(id string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[id] = d
	f.arms[id]++
}

func (f *fakeAlarms) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, id)
	f.cancels[id]++
}

func (f *fakeAlarms) delay(id string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.armed[id]
	return d, ok
}

func (f *fakeAlarms) armCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arms[id]
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Payload
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, p notify.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return f.err
}

func (f *fakeNotifier) payloads() []notify.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Payload(nil), f.sent...)
}

type fakeAlert struct {
	mu    sync.Mutex
	plays int
	stops int
}

func (f *fakeAlert) Play() { f.mu.Lock(); f.plays++; f.mu.Unlock() }
func (f *fakeAlert) Stop() { f.mu.Lock(); f.stops++; f.mu.Unlock() }
func (f *fakeAlert) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays, f.stops
}

type denyAll struct{ pattern string }

func (d denyAll) IsExempt(url string) bool { return url == d.pattern }

type failingStore struct{}

var errDisk = errors.New("disk full")

func (failingStore) SaveAll(context.Context, []session.Session) error { return errDisk }
func (failingStore) Recover(context.Context, string, string) (*session.Session, error) {
	return nil, errDisk
}
func (failingStore) LoadByURL(context.Context, string) (*session.Session, error) {
	return nil, errDisk
}
func (failingStore) All(context.Context) ([]session.Session, error) { return nil, errDisk }

type harness struct {
	s      *Scheduler
	tabs   *fakeTabs
	insp   *fakeInspector
	alarms *fakeAlarms
	store  *timerstore.Store
	notes  *fakeNotifier
	sig    *fakeAlert
	bus    *events.Bus
	events <-chan events.Event
}

func newStore(t *testing.T) *timerstore.Store {
	t.Helper()
	kv := kvstore.New(dbopen.OpenMemory(t))
	if err := kv.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return timerstore.New(kv)
}

// newHarness builds a scheduler with fakes; mutate tweaks the config.
func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		tabs:   newFakeTabs(),
		insp:   &fakeInspector{},
		alarms: newFakeAlarms(),
		notes:  &fakeNotifier{},
		sig:    &fakeAlert{},
		bus:    events.NewBus(),
	}
	h.store = newStore(t)
	ch, cancel := h.bus.Subscribe(64)
	h.events = ch
	t.Cleanup(cancel)

	cfg := Config{
		Tabs:        h.tabs,
		Inspector:   h.insp,
		Store:       h.store,
		Notifier:    h.notes,
		Alert:       h.sig,
		Events:      h.bus,
		Alarms:      h.alarms,
		SettleDelay: -1,
		Logger:      quiet,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	h.s = s
	return h
}

// waitEvent returns the next event of kind, failing after a second.
func (h *harness) waitEvent(t *testing.T, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return events.Event{}
		}
	}
}

// drain discards buffered events.
func (h *harness) drain() {
	for {
		select {
		case <-h.events:
		default:
			return
		}
	}
}

func active(secs float64) session.Settings {
	return session.Settings{Active: true, IntervalSeconds: secs}
}

func watching(secs float64, selector string, baseline *float64) session.Settings {
	st := active(secs)
	st.ContentWatch = &session.ContentWatch{Enabled: true, Selector: selector, LastValue: baseline}
	return st
}
