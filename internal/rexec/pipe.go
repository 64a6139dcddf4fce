package rexec

import (
	"io"
	"sync"
)

const (
	eventBuffer = 64
	readChunk   = 4096
)

// pipeHandle turns a pair of output readers and a wait function into the
// Event stream every transport exposes.
type pipeHandle struct {
	events chan Event

	mu         sync.Mutex
	terminated bool
	terminate  func() error
}

func newPipeHandle() *pipeHandle {
	return &pipeHandle{events: make(chan Event, eventBuffer)}
}

func (h *pipeHandle) Events() <-chan Event {
	return h.events
}

func (h *pipeHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return nil
	}
	h.terminated = true
	if h.terminate == nil {
		return nil
	}
	return h.terminate()
}

// setTerminate installs the kill action. It reports false, and runs kill
// right away, when Terminate was already requested.
func (h *pipeHandle) setTerminate(kill func() error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminate = kill
	if h.terminated {
		_ = kill()
		return false
	}
	return true
}

func (h *pipeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *pipeHandle) started(pid int) {
	h.events <- Event{Kind: EventStarted, PID: pid}
}

// pump copies r into Data events until EOF, then reports the stream closed.
func (h *pipeHandle) pump(wg *sync.WaitGroup, s Stream, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.events <- Event{Kind: EventData, Stream: s, Data: chunk}
		}
		if err != nil {
			break
		}
	}
	h.events <- Event{Kind: EventStreamClosed, Stream: s}
}

// stream pumps both outputs and reports exit once wait returns. wait is only
// called after both readers hit EOF.
func (h *pipeHandle) stream(stdout, stderr io.Reader, wait func() (int, error)) {
	var wg sync.WaitGroup
	wg.Add(2)
	go h.pump(&wg, Stdout, stdout)
	go h.pump(&wg, Stderr, stderr)
	go func() {
		wg.Wait()
		status, err := wait()
		h.exited(status, err)
	}()
}

// abort reports a command that never produced any output.
func (h *pipeHandle) abort(err error) {
	h.events <- Event{Kind: EventStreamClosed, Stream: Stdout}
	h.events <- Event{Kind: EventStreamClosed, Stream: Stderr}
	h.exited(-1, err)
}

func (h *pipeHandle) exited(status int, err error) {
	h.events <- Event{Kind: EventExited, Status: status, Err: err}
	close(h.events)
}
