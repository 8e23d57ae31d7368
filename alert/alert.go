// Package alert is the local alert signal raised when a watched value trips
// its rule. A signal is "playing" from Play until Stop or until the
// configured player command exits on its own. Without a command the signal
// is only a flag that the control API reports.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
)

// Signal is safe for concurrent use. Play and Stop are idempotent.
type Signal struct {
	command []string
	logger  *slog.Logger

	mu      sync.Mutex
	playing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Signal. command is an argv such as
// ["paplay", "/usr/share/sounds/freedesktop/stereo/alarm-clock-elapsed.oga"];
// empty means no external player.
func New(command []string, logger *slog.Logger) *Signal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signal{command: command, logger: logger}
}

// Play raises the signal. A second Play while playing does nothing.
func (s *Signal) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		return
	}
	s.playing = true
	s.logger.Info("alert: playing")

	if len(s.command) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	if err := cmd.Start(); err != nil {
		cancel()
		s.logger.Warn("alert: start player", "command", s.command[0], "error", err)
		return
	}
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		err := cmd.Wait()
		cancel()
		if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Warn("alert: player exited", "error", err)
		}
		s.mu.Lock()
		if s.done == done {
			s.playing = false
			s.cancel = nil
			s.done = nil
		}
		s.mu.Unlock()
		close(done)
	}()
}

// Stop silences the signal and waits for the player process to exit.
func (s *Signal) Stop() {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	s.logger.Info("alert: stopped")
	if cancel != nil {
		cancel()
		<-done
	}
}

// Playing reports whether the signal is raised.
func (s *Signal) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}
