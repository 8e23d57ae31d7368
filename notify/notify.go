// Package notify delivers alert notifications to external channels and keeps
// the outcome of the most recent attempt for display.
//
// Delivery is best effort. A failed send is logged, recorded as the last
// status and returned to the caller, who is expected to drop it: nothing here
// retries at the notification level (the webhook sender retries HTTP
// attempts, which is a transport concern).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// StatusKey is the kv key holding the last delivery outcome.
const StatusKey = "notification_last_status"

// Payload is what an alert carries to the outside world.
type Payload struct {
	SessionID string    `json:"session_id,omitempty"`
	URL       string    `json:"url"`
	OldValue  *float64  `json:"old_value"`
	NewValue  *float64  `json:"new_value"`
	At        time.Time `json:"at"`
}

// Sender is one delivery channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}

// Status is the outcome of the last delivery attempt.
type Status struct {
	Success bool      `json:"success"`
	Time    time.Time `json:"time"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// StatusStore persists Status values (kvstore.Store in production).
type StatusStore interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

// ErrSendFailed is returned when a channel could not deliver a payload.
type ErrSendFailed struct {
	Channel string
	Cause   error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("notify: send failed on %s: %v", e.Channel, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// Notifier fans a payload out to every configured sender.
type Notifier struct {
	senders []Sender
	status  StatusStore
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(n *Notifier) { n.logger = l } }

// WithStatusStore persists the last delivery outcome.
func WithStatusStore(s StatusStore) Option { return func(n *Notifier) { n.status = s } }

// New creates a Notifier. With no senders, Notify is a no-op that records
// nothing, which is how a disabled configuration behaves.
func New(senders []Sender, opts ...Option) *Notifier {
	n := &Notifier{
		senders: senders,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends p through every sender. The returned error joins every
// *ErrSendFailed; it is informational.
func (n *Notifier) Notify(ctx context.Context, p Payload) error {
	if len(n.senders) == 0 {
		return nil
	}
	if p.At.IsZero() {
		p.At = n.now()
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, p); err != nil {
			var sf *ErrSendFailed
			if !errors.As(err, &sf) {
				err = &ErrSendFailed{Channel: s.Name(), Cause: err}
			}
			n.logger.Warn("notify: delivery failed", "channel", s.Name(), "url", p.URL, "error", err)
			errs = append(errs, err)
			continue
		}
		n.logger.Info("notify: delivered", "channel", s.Name(), "url", p.URL)
	}

	st := Status{Success: len(errs) == 0, Time: n.now()}
	if st.Success {
		st.Message = "Last notification sent successfully"
	} else {
		st.Error = errors.Join(errs...).Error()
	}
	n.record(ctx, st)

	return errors.Join(errs...)
}

// LastStatus returns the most recent delivery outcome, or nil if none was
// ever recorded.
func (n *Notifier) LastStatus(ctx context.Context) (*Status, error) {
	if n.status == nil {
		return nil, nil
	}
	var st Status
	found, err := n.status.Get(ctx, StatusKey, &st)
	if err != nil {
		return nil, fmt.Errorf("notify: last status: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &st, nil
}

func (n *Notifier) record(ctx context.Context, st Status) {
	if n.status == nil {
		return
	}
	if err := n.status.Set(ctx, StatusKey, st); err != nil {
		n.logger.Warn("notify: record status", "error", err)
	}
}

// FormatValue renders an observed value, "N/A" when absent.
func FormatValue(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
