package task

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// Registry holds the pending command futures and pending console futures of
// every host. It is the only cross-host synchronization point.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	commands []*Future
	consoles []*Future
}

// NewRegistry returns an empty registry. Nil arguments mean the wall clock
// and slog.Default().
func NewRegistry(clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{clock: clk, logger: logger}
}

// AddCommand queues a command future for the next RunAllCommands.
func (r *Registry) AddCommand(f *Future) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, f)
}

// RemoveCommand drops f from the pending commands. It reports whether f was
// still queued.
func (r *Registry) RemoveCommand(f *Future) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return remove(&r.commands, f)
}

// AddConsole queues a console future for the next OpenConsoles.
func (r *Registry) AddConsole(f *Future) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consoles = append(r.consoles, f)
}

// RemoveConsole drops f from the pending consoles.
func (r *Registry) RemoveConsole(f *Future) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return remove(&r.consoles, f)
}

// PendingCommands returns the queued command futures.
func (r *Registry) PendingCommands() []*Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.commands)
}

// PendingConsoles returns the queued console futures.
func (r *Registry) PendingConsoles() []*Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.consoles)
}

func remove(list *[]*Future, f *Future) bool {
	i := slices.Index(*list, f)
	if i < 0 {
		return false
	}
	*list = slices.Delete(*list, i, i+1)
	return true
}

// JoinOption customizes a batch join.
type JoinOption func(*joinOptions)

type joinOptions struct {
	text     string
	stopText string
}

// WithText logs text when the join starts.
func WithText(text string) JoinOption {
	return func(o *joinOptions) { o.text = text }
}

// WithStopText logs text when the join ends.
func WithStopText(text string) JoinOption {
	return func(o *joinOptions) { o.stopText = text }
}

// JoinResult summarizes a batch join.
type JoinResult struct {
	Total     int
	Completed int
	// TimedOut is set when the overall bound elapsed first.
	TimedOut bool
}

// Abandoned returns how many members were still running when the join ended.
func (j JoinResult) Abandoned() int {
	return j.Total - j.Completed
}

// RunAllCommands waits until every pending command completes or timeout
// elapses (zero waits without bound). The pending set is taken and cleared on
// entry, so it is empty afterwards whatever the members' state; unfinished
// members keep running untracked. It never fails on member timeouts.
func (r *Registry) RunAllCommands(ctx context.Context, timeout time.Duration, opts ...JoinOption) JoinResult {
	r.mu.Lock()
	pending := r.commands
	r.commands = nil
	r.mu.Unlock()
	return r.join(ctx, "commands", pending, timeout, opts)
}

// OpenConsoles is RunAllCommands for the console collection: it returns once
// every pending console is connected (or closed), or timeout elapses.
func (r *Registry) OpenConsoles(ctx context.Context, timeout time.Duration, opts ...JoinOption) JoinResult {
	r.mu.Lock()
	pending := r.consoles
	r.consoles = nil
	r.mu.Unlock()
	return r.join(ctx, "consoles", pending, timeout, opts)
}

func (r *Registry) join(ctx context.Context, what string, pending []*Future, timeout time.Duration, opts []JoinOption) JoinResult {
	var o joinOptions
	for _, opt := range opts {
		opt(&o)
	}

	res := JoinResult{Total: len(pending)}
	if len(pending) > 0 {
		if o.text != "" {
			r.logger.Info("join start", "what", what, "text", o.text, "pending", len(pending))
		}
		res.TimedOut = r.wait(ctx, pending, timeout)
		for _, f := range pending {
			if f.Completed() {
				res.Completed++
			}
		}
		if res.Abandoned() > 0 {
			r.logger.Warn("join ended with members still running",
				"what", what, "abandoned", res.Abandoned(), "timeout", timeout)
		}
	}
	if o.stopText != "" {
		r.logger.Info("join done", "what", what, "text", o.stopText)
	}
	return res
}

// wait reports true when the deadline elapsed before all futures completed.
func (r *Registry) wait(ctx context.Context, pending []*Future, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := r.clock.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C()
	}
	for _, f := range pending {
		select {
		case <-f.Done():
		case <-deadline:
			return true
		case <-ctx.Done():
			return false
		}
	}
	return false
}
