// Package timerstore persists snapshots of the scheduler's sessions so that
// timers survive a daemon restart.
//
// Every record is written twice, once in an index keyed by session id and once
// in an index keyed by URL. Both indices are replaced together by SaveAll,
// which is the only write path. Recovery prefers the session id and falls back
// to the URL when the host has handed out a new id for the same page.
package timerstore

import (
	"context"
	"fmt"

	"github.com/hazyhaar/tabrefresh/session"
)

const (
	keyBySession = "timers_by_session"
	keyByURL     = "timers_by_url"
)

// Backend is the durable key/value collaborator (kvstore.Store in production).
type Backend interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	SetMany(ctx context.Context, entries map[string]any) error
}

// Record is one persisted session. It carries both keys so either index can
// rebuild the other.
type Record struct {
	session.Session
}

// Store reads and writes the two indices.
type Store struct {
	kv Backend
}

// New returns a Store over kv.
func New(kv Backend) *Store {
	return &Store{kv: kv}
}

// SaveAll replaces both indices with a snapshot of sessions. Sessions with an
// empty ID (tab closed, settings parked for later restore) go into the URL
// index only; sessions with an empty URL go into the id index only. When two
// sessions share a URL the later one in the slice wins the URL slot.
func (s *Store) SaveAll(ctx context.Context, sessions []session.Session) error {
	byID := make(map[string]Record, len(sessions))
	byURL := make(map[string]Record, len(sessions))
	for _, sess := range sessions {
		rec := Record{Session: sess.Clone()}
		if sess.ID != "" {
			byID[sess.ID] = rec
		}
		if sess.URL != "" {
			byURL[sess.URL] = rec
		}
	}

	err := s.kv.SetMany(ctx, map[string]any{
		keyBySession: byID,
		keyByURL:     byURL,
	})
	if err != nil {
		return fmt.Errorf("timerstore: save: %w", err)
	}
	return nil
}

// LoadBySessionID returns the record stored under id, or nil.
func (s *Store) LoadBySessionID(ctx context.Context, id string) (*session.Session, error) {
	idx, err := s.load(ctx, keyBySession)
	if err != nil {
		return nil, err
	}
	return lookup(idx, id), nil
}

// LoadByURL returns the record stored under url, or nil.
func (s *Store) LoadByURL(ctx context.Context, url string) (*session.Session, error) {
	idx, err := s.load(ctx, keyByURL)
	if err != nil {
		return nil, err
	}
	return lookup(idx, url), nil
}

// Recover looks up id first and falls back to url. The returned session
// carries id, since that is the tab it is being recovered for. url may be
// empty when the live tab URL is unknown.
func (s *Store) Recover(ctx context.Context, id, url string) (*session.Session, error) {
	sess, err := s.LoadBySessionID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil && url != "" {
		sess, err = s.LoadByURL(ctx, url)
		if err != nil {
			return nil, err
		}
	}
	if sess != nil {
		sess.ID = id
	}
	return sess, nil
}

// All returns every record of the URL index. It is used at startup to match
// stored settings against the tabs that are open.
func (s *Store) All(ctx context.Context) ([]session.Session, error) {
	idx, err := s.load(ctx, keyByURL)
	if err != nil {
		return nil, err
	}
	out := make([]session.Session, 0, len(idx))
	for _, rec := range idx {
		out = append(out, rec.Session)
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, key string) (map[string]Record, error) {
	idx := map[string]Record{}
	if _, err := s.kv.Get(ctx, key, &idx); err != nil {
		return nil, fmt.Errorf("timerstore: load %s: %w", key, err)
	}
	return idx, nil
}

func lookup(idx map[string]Record, k string) *session.Session {
	if k == "" {
		return nil
	}
	rec, ok := idx[k]
	if !ok {
		return nil
	}
	sess := rec.Session.Clone()
	return &sess
}
