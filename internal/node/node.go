// Package node drives one remote host: an optional long-lived console stream
// plus any number of one-shot commands, synchronous or batched.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/yoanbernabeu/sshnodes/internal/constants"
	"github.com/yoanbernabeu/sshnodes/internal/rexec"
	"github.com/yoanbernabeu/sshnodes/internal/security"
	"github.com/yoanbernabeu/sshnodes/internal/session"
	"github.com/yoanbernabeu/sshnodes/internal/task"
)

// ErrDispatchWaitTimeout is returned by synchronous dispatch when the command
// did not complete within the dispatch wait bound. The command itself keeps
// running until its own watchdogs end it.
var ErrDispatchWaitTimeout = errors.New("dispatch wait timeout")

// Config describes one host.
type Config struct {
	Name    string
	Address string
	User    string
	Port    int
	// Device is the network interface handed to vendor tools (wl -i).
	Device  string
	KeyPath string

	// Reuse enables connection multiplexing through ControlPath.
	Reuse bool
	// ControlPath overrides the default /tmp/controlmasters_<address>.
	ControlPath string

	// Console opens a KeepOpen stream running ConsoleCommand at construction.
	Console         bool
	ConsoleCommand  string
	ConsoleTimeouts session.Timeouts

	// Timeouts are the per-command watchdog defaults.
	Timeouts session.Timeouts
	// DispatchWait bounds synchronous dispatch. Zero means the default,
	// negative means no bound.
	DispatchWait time.Duration
}

// Env carries the shared collaborators of every node in a fleet.
type Env struct {
	Launcher rexec.Launcher
	Registry *task.Registry
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Node is one remote host.
type Node struct {
	cfg      Config
	launcher rexec.Launcher
	registry *task.Registry
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	console *task.Future
	tasks   []*task.Future
}

// New validates cfg and returns the node. When cfg.Console is set the console
// stream is dispatched right away and queued for Registry.OpenConsoles; ctx
// bounds its lifetime.
func New(ctx context.Context, cfg Config, env Env) (*Node, error) {
	if err := security.ValidateAddress(cfg.Address); err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", cfg.Name, err)
	}
	if err := security.ValidateDevice(cfg.Device); err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", cfg.Name, err)
	}
	if env.Launcher == nil {
		return nil, errors.New("node requires a launcher")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Address
	}
	if cfg.DispatchWait == 0 {
		cfg.DispatchWait = constants.DispatchWaitTimeout
	}
	if cfg.ConsoleCommand == "" {
		cfg.ConsoleCommand = constants.ConsoleCommand
	}
	if env.Clock == nil {
		env.Clock = clock.NewClock()
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Registry == nil {
		env.Registry = task.NewRegistry(env.Clock, env.Logger)
	}

	n := &Node{
		cfg:      cfg,
		launcher: env.Launcher,
		registry: env.Registry,
		clock:    env.Clock,
		logger:   env.Logger,
	}
	if cfg.Console {
		n.openConsole(ctx)
	}
	return n, nil
}

func (n *Node) openConsole(ctx context.Context) {
	s := session.New(session.Config{
		Name:     n.cfg.Name,
		Dest:     n.destination(true),
		Command:  n.cfg.ConsoleCommand,
		Timeouts: n.cfg.ConsoleTimeouts,
		KeepOpen: true,
	}, n.launcher, n.clock, n.logger)

	f := task.Go(ctx, s)
	n.mu.Lock()
	n.console = f
	n.mu.Unlock()
	n.registry.AddConsole(f)
}

// Name returns the display name.
func (n *Node) Name() string { return n.cfg.Name }

// Address returns the host address.
func (n *Node) Address() string { return n.cfg.Address }

// Device returns the device tag, possibly empty.
func (n *Node) Device() string { return n.cfg.Device }

// Config returns the effective configuration.
func (n *Node) Config() Config { return n.cfg }

// ControlPath returns the multiplexing socket path, "" when reuse is off.
func (n *Node) ControlPath() string {
	if !n.cfg.Reuse {
		return ""
	}
	if n.cfg.ControlPath != "" {
		return n.cfg.ControlPath
	}
	return constants.ControlPath(n.cfg.Address)
}

func (n *Node) destination(master bool) rexec.Destination {
	path := n.ControlPath()
	return rexec.Destination{
		Name:          n.cfg.Name,
		User:          n.cfg.User,
		Address:       n.cfg.Address,
		Port:          n.cfg.Port,
		KeyPath:       n.cfg.KeyPath,
		ControlPath:   path,
		ControlMaster: master && path != "",
	}
}

// Console returns the console session, nil when the node has none.
func (n *Node) Console() *session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.console == nil {
		return nil
	}
	return n.console.Session()
}

// CloseConsole terminates the console stream. It is safe to call repeatedly
// and on nodes without a console.
func (n *Node) CloseConsole() error {
	s := n.Console()
	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to close console on %s: %w", n.cfg.Name, err)
	}
	return nil
}

// DispatchOption tunes a single dispatch.
type DispatchOption func(*dispatch)

type dispatch struct {
	async    bool
	timeouts session.Timeouts
	wait     time.Duration
}

// Async returns the future right away instead of waiting for it. The future
// stays queued until the next Registry.RunAllCommands or Forget.
func Async() DispatchOption {
	return func(d *dispatch) { d.async = true }
}

// WithTimeouts replaces all three watchdog timeouts.
func WithTimeouts(t session.Timeouts) DispatchOption {
	return func(d *dispatch) { d.timeouts = t }
}

// WithConnectTimeout overrides the connect watchdog.
func WithConnectTimeout(timeout time.Duration) DispatchOption {
	return func(d *dispatch) { d.timeouts.Connect = timeout }
}

// WithCommandTimeout overrides the command watchdog.
func WithCommandTimeout(timeout time.Duration) DispatchOption {
	return func(d *dispatch) { d.timeouts.Command = timeout }
}

// WithIOIdleTimeout overrides the I/O idle watchdog.
func WithIOIdleTimeout(timeout time.Duration) DispatchOption {
	return func(d *dispatch) { d.timeouts.IOIdle = timeout }
}

// WithWait overrides the synchronous dispatch wait bound. Zero or negative
// waits without bound.
func WithWait(wait time.Duration) DispatchOption {
	return func(d *dispatch) { d.wait = wait }
}

func waitForResult() DispatchOption {
	return func(d *dispatch) { d.async = false }
}

// Rexec dispatches command. Synchronously (the default) it waits for the
// command or the dispatch wait bound and always drops the future from the
// pending sets before returning. With Async the future is returned at once.
func (n *Node) Rexec(ctx context.Context, command string, opts ...DispatchOption) (*task.Future, error) {
	d := dispatch{timeouts: n.cfg.Timeouts, wait: n.cfg.DispatchWait}
	for _, opt := range opts {
		opt(&d)
	}

	s := session.New(session.Config{
		Name:     n.cfg.Name,
		Dest:     n.destination(false),
		Command:  command,
		Timeouts: d.timeouts,
	}, n.launcher, n.clock, n.logger)
	f := task.Go(ctx, s)
	n.track(f)

	if d.async {
		return f, nil
	}
	defer n.Forget(f)

	var deadline <-chan time.Time
	if d.wait > 0 {
		t := n.clock.NewTimer(d.wait)
		defer t.Stop()
		deadline = t.C()
	}

	select {
	case <-f.Done():
		_, err := f.Result()
		return f, err
	case <-deadline:
		n.logger.Error("dispatch wait elapsed",
			"host", n.cfg.Name,
			"command", security.SanitizeCommandForLog(command),
			"wait", d.wait)
		return f, fmt.Errorf("%s: %w after %s", n.cfg.Name, ErrDispatchWaitTimeout, d.wait)
	case <-ctx.Done():
		return f, ctx.Err()
	}
}

// Exec runs command synchronously and returns its raw output. Output received
// so far is returned alongside a dispatch wait timeout.
func (n *Node) Exec(ctx context.Context, command string, opts ...DispatchOption) ([]byte, error) {
	f, err := n.Rexec(ctx, command, append(opts, waitForResult())...)
	if err != nil {
		return f.Session().Output(), err
	}
	out, _ := f.Result()
	return out, nil
}

// WL runs the vendor wireless utility on the node's device.
func (n *Node) WL(ctx context.Context, args string, opts ...DispatchOption) (*task.Future, error) {
	return n.Rexec(ctx, n.WLCommand(args), opts...)
}

// WLCommand returns the wl invocation for args.
func (n *Node) WLCommand(args string) string {
	cmd := constants.WLBinary
	if n.cfg.Device != "" {
		cmd += " -i " + security.ShellEscape(n.cfg.Device)
	}
	if args != "" {
		cmd += " " + args
	}
	return cmd
}

func (n *Node) track(f *task.Future) {
	n.mu.Lock()
	n.tasks = append(n.tasks, f)
	n.mu.Unlock()
	n.registry.AddCommand(f)
}

// Forget drops f from the node's list and the pending commands.
func (n *Node) Forget(f *task.Future) {
	n.mu.Lock()
	if i := slices.Index(n.tasks, f); i >= 0 {
		n.tasks = slices.Delete(n.tasks, i, i+1)
	}
	n.mu.Unlock()
	n.registry.RemoveCommand(f)
}

// Pending returns the async futures of this node that have not completed
// yet. Completed ones are pruned from the node's list.
func (n *Node) Pending() []*task.Future {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = slices.DeleteFunc(n.tasks, (*task.Future).Completed)
	return slices.Clone(n.tasks)
}

// CancelAll terminates every command the node still tracks and forgets them.
// The console is left alone. It returns the number of commands terminated.
func (n *Node) CancelAll() int {
	n.mu.Lock()
	tasks := n.tasks
	n.tasks = nil
	n.mu.Unlock()

	count := 0
	for _, f := range tasks {
		n.registry.RemoveCommand(f)
		if f.Completed() {
			continue
		}
		if err := f.Session().Close(); err != nil {
			n.logger.Warn("failed to terminate command", "host", n.cfg.Name, "error", err)
		}
		count++
	}
	return count
}
