// Package rexectest provides scripted rexec handles for tests.
package rexectest

import (
	"context"
	"sync"

	"github.com/yoanbernabeu/sshnodes/internal/rexec"
)

// Script drives a fake handle. It runs on its own goroutine right after
// Start returns.
type Script func(h *Handle)

// Launcher is a rexec.Launcher test double that records commands and runs a
// Script for each started handle.
type Launcher struct {
	// Script picks the behavior per command. Nil means Echo("").
	Script func(dest rexec.Destination, command string) Script
	// StartErr, when set, is returned by Start.
	StartErr error

	mu       sync.Mutex
	commands []string
	dests    []rexec.Destination
	handles  []*Handle
}

// Start records the command and launches its script.
func (l *Launcher) Start(_ context.Context, dest rexec.Destination, command string) (rexec.Handle, error) {
	l.mu.Lock()
	l.commands = append(l.commands, command)
	l.dests = append(l.dests, dest)
	if l.StartErr != nil {
		l.mu.Unlock()
		return nil, rexec.TransportError("start", l.StartErr)
	}
	h := NewHandle()
	l.handles = append(l.handles, h)
	script := Echo("")
	if l.Script != nil {
		if s := l.Script(dest, command); s != nil {
			script = s
		}
	}
	l.mu.Unlock()

	go script(h)
	return h, nil
}

// Commands returns the commands started so far.
func (l *Launcher) Commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.commands...)
}

// Destinations returns the destinations started so far.
func (l *Launcher) Destinations() []rexec.Destination {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]rexec.Destination(nil), l.dests...)
}

// Handles returns the handles started so far.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Handle(nil), l.handles...)
}

// Handle is a controllable rexec.Handle. Terminate closes any open stream and
// reports exit, like a killed process would.
type Handle struct {
	events chan rexec.Event

	mu         sync.Mutex
	exited     bool
	closed     map[rexec.Stream]bool
	terminated chan struct{}
	termOnce   sync.Once
	slowExit   bool
}

// NewHandle returns an idle handle.
func NewHandle() *Handle {
	return &Handle{
		events:     make(chan rexec.Event, 256),
		closed:     make(map[rexec.Stream]bool),
		terminated: make(chan struct{}),
	}
}

// Events implements rexec.Handle.
func (h *Handle) Events() <-chan rexec.Event {
	return h.events
}

// Terminate implements rexec.Handle.
func (h *Handle) Terminate() error {
	h.termOnce.Do(func() {
		close(h.terminated)
		h.mu.Lock()
		slow := h.slowExit
		h.mu.Unlock()
		if slow {
			return
		}
		go func() {
			h.CloseStream(rexec.Stdout)
			h.CloseStream(rexec.Stderr)
			h.Exit(-1)
		}()
	})
	return nil
}

// SlowExit makes Terminate only record the request. The script reports the
// exit itself.
func (h *Handle) SlowExit() {
	h.mu.Lock()
	h.slowExit = true
	h.mu.Unlock()
}

// Terminated is closed once Terminate was called.
func (h *Handle) Terminated() <-chan struct{} {
	return h.terminated
}

// WasTerminated reports whether Terminate was called.
func (h *Handle) WasTerminated() bool {
	select {
	case <-h.terminated:
		return true
	default:
		return false
	}
}

// Start reports the process as running.
func (h *Handle) Start(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		h.events <- rexec.Event{Kind: rexec.EventStarted, PID: pid}
	}
}

// Write delivers a chunk on stream s.
func (h *Handle) Write(s rexec.Stream, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed[s] {
		h.events <- rexec.Event{Kind: rexec.EventData, Stream: s, Data: []byte(data)}
	}
}

// CloseStream reports stream s drained. Repeated calls are ignored.
func (h *Handle) CloseStream(s rexec.Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed[s] {
		return
	}
	h.closed[s] = true
	h.events <- rexec.Event{Kind: rexec.EventStreamClosed, Stream: s}
	h.maybeDone()
}

// Exit reports process exit.
func (h *Handle) Exit(status int) {
	h.ExitWithError(status, nil)
}

// ExitWithError reports an exit caused by a transport failure.
func (h *Handle) ExitWithError(status int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.events <- rexec.Event{Kind: rexec.EventExited, Status: status, Err: err}
	h.maybeDone()
}

// maybeDone closes the event channel after the last event. Callers hold mu.
func (h *Handle) maybeDone() {
	if h.exited && h.closed[rexec.Stdout] && h.closed[rexec.Stderr] {
		close(h.events)
	}
}

// Echo starts, writes out on stdout, closes both streams and exits 0.
func Echo(out string) Script {
	return func(h *Handle) {
		h.Start(1000)
		if out != "" {
			h.Write(rexec.Stdout, out)
		}
		h.CloseStream(rexec.Stdout)
		h.CloseStream(rexec.Stderr)
		h.Exit(0)
	}
}

// Output is like Echo with separate stdout and stderr payloads.
func Output(stdout, stderr string) Script {
	return func(h *Handle) {
		h.Start(1000)
		if stdout != "" {
			h.Write(rexec.Stdout, stdout)
		}
		if stderr != "" {
			h.Write(rexec.Stderr, stderr)
		}
		h.CloseStream(rexec.Stdout)
		h.CloseStream(rexec.Stderr)
		h.Exit(0)
	}
}

// NeverStarts models a host that never answers. Only Terminate ends it.
func NeverStarts() Script {
	return func(*Handle) {}
}

// Stream starts and then stays open until terminated, like a console tail.
func Stream(lines ...string) Script {
	return func(h *Handle) {
		h.Start(2000)
		for _, l := range lines {
			h.Write(rexec.Stdout, l)
		}
	}
}
