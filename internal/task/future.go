// Package task tracks in-flight remote commands and console streams and
// provides the batch join barriers across hosts.
package task

import (
	"context"
	"sync"

	"github.com/yoanbernabeu/sshnodes/internal/session"
)

// Future is the pending result of one dispatched session.
type Future struct {
	session *session.Session
	done    chan struct{}

	mu     sync.Mutex
	output []byte
	err    error
}

// Go runs s in the background and returns its future. For ordinary sessions
// the future completes when the session is closed; for KeepOpen sessions
// when the process is connected.
func Go(ctx context.Context, s *session.Session) *Future {
	f := &Future{session: s, done: make(chan struct{})}
	go func() {
		out, err := s.Run(ctx)
		f.mu.Lock()
		f.output, f.err = out, err
		f.mu.Unlock()
		close(f.done)
	}()
	return f
}

// Session returns the underlying session.
func (f *Future) Session() *session.Session { return f.session }

// Done is closed once the future completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Completed reports whether the future already completed.
func (f *Future) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the output and error. It must only be called after Done.
func (f *Future) Result() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output, f.err
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
