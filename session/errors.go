package session

import "errors"

// ErrTabGone is returned by tab collaborators when the tab no longer exists.
var ErrTabGone = errors.New("session: tab gone")

// ErrTabUnreachable is returned when the tab exists but cannot act right now
// (discarded, crashed renderer, navigation in progress).
var ErrTabUnreachable = errors.New("session: tab unreachable")

// ErrContentRead is returned when the watched element is missing or holds no number.
var ErrContentRead = errors.New("session: content read failed")

// ErrNoSession is returned for operations on an unknown session id.
var ErrNoSession = errors.New("session: unknown session")
