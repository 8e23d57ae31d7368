package scheduler

import (
	"sort"
	"sync"

	"github.com/hazyhaar/tabrefresh/session"
)

// registry is the in-memory session table. It is the source of truth while
// the process runs; the durable store only mirrors it.
//
// live holds sessions bound to an open tab. parked holds settings of tabs
// that went away, keyed by URL, so a later tab on the same page can pick
// them up. Every accessor copies; callers never share a *Session.
type registry struct {
	mu       sync.Mutex
	live     map[string]*session.Session
	parked   map[string]session.Session
	inflight map[string]bool
}

func newRegistry() *registry {
	return &registry{
		live:     make(map[string]*session.Session),
		parked:   make(map[string]session.Session),
		inflight: make(map[string]bool),
	}
}

func (r *registry) get(id string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	if !ok {
		return session.Session{}, false
	}
	return s.Clone(), true
}

// put stores s as live. A parked entry for the same URL is superseded.
func (r *registry) put(s session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(s)
}

// putIfAbsent stores s unless id is already live, and reports whether it did.
func (r *registry) putIfAbsent(s session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[s.ID]; ok {
		return false
	}
	r.putLocked(s)
	return true
}

func (r *registry) putLocked(s session.Session) {
	c := s.Clone()
	r.live[s.ID] = &c
	if s.URL != "" {
		delete(r.parked, s.URL)
	}
}

// update applies fn to the live session id under the lock. fn returns false
// to leave the session unchanged. update returns the session as it is after
// fn, and false when id is not live.
func (r *registry) update(id string, fn func(*session.Session) bool) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	if !ok {
		return session.Session{}, false
	}
	c := s.Clone()
	if fn(&c) {
		c.ID = id
		r.live[id] = &c
		return c.Clone(), true
	}
	return s.Clone(), true
}

func (r *registry) remove(id string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	if !ok {
		return session.Session{}, false
	}
	delete(r.live, id)
	return *s, true
}

// park keeps s under its URL without a tab binding.
func (r *registry) park(s session.Session) {
	if s.URL == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := s.Clone()
	c.ID = ""
	r.parked[s.URL] = c
}

// unpark removes and returns the parked entry for url.
func (r *registry) unpark(url string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.parked[url]
	if ok {
		delete(r.parked, url)
	}
	return s.Clone(), ok
}

func (r *registry) parkedByURL(url string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.parked[url]
	return s.Clone(), ok
}

// liveSessions returns the live sessions ordered by id.
func (r *registry) liveSessions() []session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Session, 0, len(r.live))
	for _, s := range r.live {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// snapshot returns parked then live sessions, so a live session wins the URL
// slot over a parked one in the persisted URL index.
func (r *registry) snapshot() []session.Session {
	r.mu.Lock()
	parked := make([]session.Session, 0, len(r.parked))
	for _, s := range r.parked {
		parked = append(parked, s.Clone())
	}
	live := make([]session.Session, 0, len(r.live))
	for _, s := range r.live {
		live = append(live, s.Clone())
	}
	r.mu.Unlock()

	sort.Slice(parked, func(i, j int) bool { return parked[i].URL < parked[j].URL })
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return append(parked, live...)
}

// begin marks a wake for id as running. It returns false if one already is.
func (r *registry) begin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *registry) end(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}
