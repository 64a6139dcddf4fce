// Package session runs one remote command and tracks its lifecycle: connect,
// streaming output, watchdog timeouts and drain on exit.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"github.com/yoanbernabeu/sshnodes/internal/rexec"
	"github.com/yoanbernabeu/sshnodes/internal/security"
)

// ErrSessionUsed is returned when Run is called twice on the same Session.
var ErrSessionUsed = errors.New("session already started")

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateExitedPendingDrain
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateExitedPendingDrain:
		return "exited-pending-drain"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Timeouts configures the three watchdogs. Zero disables a watchdog.
type Timeouts struct {
	Connect time.Duration `yaml:"connect,omitempty"`
	Command time.Duration `yaml:"command,omitempty"`
	IOIdle  time.Duration `yaml:"io_idle,omitempty"`
}

// Config describes one command execution.
type Config struct {
	// Name is the host display name used to tag log records.
	Name     string
	Dest     rexec.Destination
	Command  string
	Timeouts Timeouts
	// KeepOpen marks a console stream: Run returns once connected and the
	// session only closes on Close or context cancellation.
	KeepOpen bool
}

// Session is one process invocation on a remote host. It is not reusable.
type Session struct {
	id       string
	cfg      Config
	launcher rexec.Launcher
	clock    clock.Clock
	logger   *slog.Logger

	opened    chan struct{}
	connected chan struct{}
	closed    chan struct{}
	connOnce  sync.Once

	mu          sync.Mutex
	state       State
	handle      rexec.Handle
	pid         int
	output      bytes.Buffer
	timeout     TimeoutKind
	exitStatus  int
	err         error
	terminating bool
}

// New returns an idle session. A nil clock means the wall clock, a nil
// logger means slog.Default().
func New(cfg Config, launcher rexec.Launcher, clk clock.Clock, logger *slog.Logger) *Session {
	if clk == nil {
		clk = clock.NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		cfg:        cfg,
		launcher:   launcher,
		clock:      clk,
		logger:     logger.With("host", cfg.Name, "session", id[:8]),
		opened:     make(chan struct{}),
		connected:  make(chan struct{}),
		closed:     make(chan struct{}),
		exitStatus: -1,
	}
}

// Run starts the command and waits for it. For ordinary sessions it returns
// the raw combined output once the session is closed. KeepOpen sessions
// return as soon as the process is connected (or failed to). Watchdog
// timeouts are not errors; a transport failure is.
func (s *Session) Run(ctx context.Context) ([]byte, error) {
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	select {
	case <-s.connected:
	case <-s.closed:
	}
	if s.cfg.KeepOpen {
		return nil, s.Err()
	}

	<-s.closed
	return s.Output(), s.Err()
}

// Start launches the command without waiting.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.state = StateConnecting
	s.mu.Unlock()
	close(s.opened)

	s.logger.Info("dispatch",
		"target", s.cfg.Dest.Target(),
		"command", security.SanitizeCommandForLog(s.cfg.Command),
		"keep_open", s.cfg.KeepOpen)

	w := newWatchdogs(s.clock)
	w.arm(TimeoutConnect, s.cfg.Timeouts.Connect)

	h, err := s.launcher.Start(ctx, s.cfg.Dest, s.cfg.Command)
	if err != nil {
		w.stopAll()
		if !errors.Is(err, rexec.ErrTransport) {
			err = rexec.TransportError("start", err)
		}
		s.logger.Error("failed to start command", "error", err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.finish()
		return err
	}

	s.mu.Lock()
	s.handle = h
	pendingClose := s.terminating
	s.mu.Unlock()
	if pendingClose {
		_ = h.Terminate()
	}

	go s.loop(ctx, h, w)
	return nil
}

// loop owns every state transition after launch.
func (s *Session) loop(ctx context.Context, h rexec.Handle, w *watchdogs) {
	defer w.stopAll()

	var (
		exited   bool
		streams  = map[rexec.Stream]bool{}
		buffers  = map[rexec.Stream]*lineBuffer{rexec.Stdout: {}, rexec.Stderr: {}}
		events   = h.Events()
		canceled = ctx.Done()
	)
	drained := func() bool {
		return exited && streams[rexec.Stdout] && streams[rexec.Stderr]
	}

	for !drained() {
		select {
		case ev, ok := <-events:
			if !ok {
				// Handle went away without a final exit report.
				events = nil
				exited = true
				streams[rexec.Stdout], streams[rexec.Stderr] = true, true
				break
			}
			switch ev.Kind {
			case rexec.EventStarted:
				w.cancel(TimeoutConnect)
				if !s.isTerminating() {
					w.arm(TimeoutIOIdle, s.cfg.Timeouts.IOIdle)
					w.arm(TimeoutCommand, s.cfg.Timeouts.Command)
				}
				s.markConnected(ev.PID)
			case rexec.EventData:
				// Rearm before the output becomes visible to readers.
				if !s.isTerminating() {
					w.arm(TimeoutIOIdle, s.cfg.Timeouts.IOIdle)
				}
				s.appendOutput(ev.Data)
				buf, ok := buffers[ev.Stream]
				if !ok {
					continue
				}
				for _, line := range buf.feed(ev.Data) {
					if ev.Stream == rexec.Stderr {
						s.logger.Warn(line)
					} else {
						s.logger.Info(line)
					}
				}
			case rexec.EventStreamClosed:
				w.cancel(TimeoutIOIdle)
				streams[ev.Stream] = true
				if b := buffers[ev.Stream]; b != nil && b.pending() != "" {
					s.logger.Debug("dropping unterminated line", "stream", ev.Stream.String(), "bytes", len(b.pending()))
				}
				s.logger.Debug("pipe closed", "stream", ev.Stream.String(), "pid", s.PID())
			case rexec.EventExited:
				w.cancel(TimeoutConnect)
				w.cancel(TimeoutCommand)
				exited = true
				s.markExited(ev.Status, ev.Err)
			}
		case <-w.C(TimeoutConnect):
			s.fire(h, w, TimeoutConnect)
		case <-w.C(TimeoutCommand):
			s.fire(h, w, TimeoutCommand)
		case <-w.C(TimeoutIOIdle):
			s.fire(h, w, TimeoutIOIdle)
		case <-canceled:
			canceled = nil
			s.logger.Debug("context done, terminating", "pid", s.PID(), "error", ctx.Err())
			s.mu.Lock()
			if s.err == nil {
				s.err = ctx.Err()
			}
			s.mu.Unlock()
			s.terminate(h)
		}
	}
	s.finish()
}

func (s *Session) isTerminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminating
}

func (s *Session) markConnected(pid int) {
	s.mu.Lock()
	s.pid = pid
	if s.state == StateConnecting {
		s.state = StateConnected
	}
	s.mu.Unlock()
	s.logger.Debug("connection made", "pid", pid)
	s.connOnce.Do(func() { close(s.connected) })
}

func (s *Session) appendOutput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Write(data)
	if s.state == StateConnected || s.state == StateConnecting {
		s.state = StateStreaming
	}
}

func (s *Session) markExited(status int, err error) {
	s.mu.Lock()
	pid := s.pid
	s.exitStatus = status
	if err != nil && !s.terminating && s.err == nil {
		s.err = err
	}
	s.pid = 0
	if s.state != StateClosed {
		s.state = StateExitedPendingDrain
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Debug("process exited", "pid", pid, "status", status, "error", err)
		return
	}
	s.logger.Debug("process exited", "pid", pid, "status", status)
}

// fire handles an expired watchdog: every other watchdog is dropped and the
// process is terminated. The drain path then closes the session.
func (s *Session) fire(h rexec.Handle, w *watchdogs, kind TimeoutKind) {
	w.stopAll()
	s.mu.Lock()
	if s.timeout == TimeoutNone {
		s.timeout = kind
	}
	pid := s.pid
	s.mu.Unlock()

	s.logger.Error("timeout",
		"kind", kind.String(),
		"target", s.cfg.Dest.Target(),
		"pid", pid,
		"command", security.SanitizeCommandForLog(s.cfg.Command))
	s.terminate(h)
}

func (s *Session) terminate(h rexec.Handle) {
	s.mu.Lock()
	s.terminating = true
	s.mu.Unlock()
	if err := h.Terminate(); err != nil {
		s.logger.Warn("terminate failed", "error", err)
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.logger.Debug("session closed")
	close(s.closed)
}

// Close forcibly terminates the process. It is the only way, besides context
// cancellation, to end a KeepOpen session. Calling it again, or on a closed
// session, does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed || s.terminating {
		s.mu.Unlock()
		return nil
	}
	s.terminating = true
	h := s.handle
	s.mu.Unlock()

	if h == nil {
		// Not launched yet; Start terminates as soon as the handle exists.
		return nil
	}
	return h.Terminate()
}

// Wait blocks until the session is closed or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// Name returns the host display name.
func (s *Session) Name() string { return s.cfg.Name }

// Command returns the command text.
func (s *Session) Command() string { return s.cfg.Command }

// KeepOpen reports whether this is a console stream.
func (s *Session) KeepOpen() bool { return s.cfg.KeepOpen }

// Opened is closed once the session has been dispatched.
func (s *Session) Opened() <-chan struct{} { return s.opened }

// Connected is closed once the process reported it started.
func (s *Session) Connected() <-chan struct{} { return s.connected }

// Closed is closed once the process exited and both streams drained.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the process id while the process runs, 0 otherwise.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Output returns a copy of the raw output received so far.
func (s *Session) Output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.output.Bytes())
}

// ExitStatus returns the exit status, -1 if unknown or still running.
func (s *Session) ExitStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitStatus
}

// TimedOut reports whether any watchdog fired.
func (s *Session) TimedOut() bool {
	return s.Timeout() != TimeoutNone
}

// Timeout returns the kind of the first watchdog that fired.
func (s *Session) Timeout() TimeoutKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// TimeoutErr returns the watchdog error, nil if none fired.
func (s *Session) TimeoutErr() error {
	return s.Timeout().Err()
}

// Err returns the transport failure or context error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
