package session

import (
	"errors"
	"time"

	"code.cloudfoundry.org/clock"
)

// Watchdog timeouts. They are handled inside the session by terminating the
// process and are never returned from Run; TimeoutErr exposes them.
var (
	ErrConnectTimeout = errors.New("connect timeout")
	ErrCommandTimeout = errors.New("command timeout")
	ErrIOIdleTimeout  = errors.New("io idle timeout")
)

// TimeoutKind tags a watchdog.
type TimeoutKind int

const (
	TimeoutNone TimeoutKind = iota
	TimeoutConnect
	TimeoutCommand
	TimeoutIOIdle
	numTimeoutKinds
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutConnect:
		return "connect"
	case TimeoutCommand:
		return "command"
	case TimeoutIOIdle:
		return "io-idle"
	}
	return "none"
}

// Err returns the sentinel error for k, nil for TimeoutNone.
func (k TimeoutKind) Err() error {
	switch k {
	case TimeoutConnect:
		return ErrConnectTimeout
	case TimeoutCommand:
		return ErrCommandTimeout
	case TimeoutIOIdle:
		return ErrIOIdleTimeout
	}
	return nil
}

// watchdogs holds at most one pending timer per kind. It is owned by the
// session loop goroutine and is not safe for concurrent use.
type watchdogs struct {
	clock  clock.Clock
	timers [numTimeoutKinds]clock.Timer
}

func newWatchdogs(c clock.Clock) *watchdogs {
	return &watchdogs{clock: c}
}

// arm replaces any pending timer of that kind. d <= 0 means disabled.
func (w *watchdogs) arm(kind TimeoutKind, d time.Duration) {
	if d <= 0 {
		return
	}
	w.cancel(kind)
	w.timers[kind] = w.clock.NewTimer(d)
}

func (w *watchdogs) cancel(kind TimeoutKind) {
	if t := w.timers[kind]; t != nil {
		t.Stop()
		w.timers[kind] = nil
	}
}

func (w *watchdogs) armed(kind TimeoutKind) bool {
	return w.timers[kind] != nil
}

// C returns the fire channel of kind, nil when disarmed so that a select on
// it blocks forever.
func (w *watchdogs) C(kind TimeoutKind) <-chan time.Time {
	if t := w.timers[kind]; t != nil {
		return t.C()
	}
	return nil
}

func (w *watchdogs) stopAll() {
	for k := range w.timers {
		w.cancel(TimeoutKind(k))
	}
}
