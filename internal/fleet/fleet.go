// Package fleet builds nodes from an inventory and runs batches across them.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/yoanbernabeu/sshnodes/internal/config"
	"github.com/yoanbernabeu/sshnodes/internal/constants"
	"github.com/yoanbernabeu/sshnodes/internal/node"
	"github.com/yoanbernabeu/sshnodes/internal/rexec"
	"github.com/yoanbernabeu/sshnodes/internal/session"
	"github.com/yoanbernabeu/sshnodes/internal/task"
)

// Options configures a Fleet. Zero values fall back to the inventory
// transport, the wall clock and slog.Default().
type Options struct {
	Launcher rexec.Launcher
	Clock    clock.Clock
	Logger   *slog.Logger
	// Hosts restricts the fleet to these names, all hosts when empty.
	Hosts []string
	// Console overrides the per-host console flag when set.
	Console *bool
}

// Fleet is a set of nodes sharing one registry and one launcher.
type Fleet struct {
	registry *task.Registry
	launcher rexec.Launcher
	logger   *slog.Logger

	nodes  []*node.Node
	byName map[string]*node.Node
}

// New creates one node per selected host. Console streams start right away;
// call OpenConsoles to wait for them.
func New(ctx context.Context, inv *config.Inventory, opts Options) (*Fleet, error) {
	hosts, err := inv.Select(opts.Hosts...)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, errors.New("inventory has no hosts")
	}

	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher, err = NewLauncher(inv.Defaults)
		if err != nil {
			return nil, err
		}
	}

	f := &Fleet{
		registry: task.NewRegistry(opts.Clock, opts.Logger),
		launcher: opts.Launcher,
		logger:   opts.Logger,
		byName:   make(map[string]*node.Node, len(hosts)),
	}
	env := node.Env{
		Launcher: opts.Launcher,
		Registry: f.registry,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	}

	for _, h := range hosts {
		if opts.Console != nil {
			h.Console = *opts.Console
		}
		n, err := node.New(ctx, NodeConfig(inv.Defaults, h), env)
		if err != nil {
			_ = f.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to create node %s: %w", h.Name, err)
		}
		f.nodes = append(f.nodes, n)
		f.byName[n.Name()] = n
	}
	return f, nil
}

// NewLauncher returns the transport selected by the inventory defaults.
func NewLauncher(d config.Defaults) (rexec.Launcher, error) {
	switch d.Transport {
	case "", constants.DefaultTransport:
		o := rexec.NewOpenSSH()
		o.ConnectTimeout = d.Timeouts.Connect.D()
		return o, nil
	case constants.NativeTransport:
		n := rexec.NewNative()
		if c := d.Timeouts.Connect.D(); c > 0 {
			n.DialTimeout = c
		}
		return n, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", d.Transport)
}

// NodeConfig maps an inventory host onto a node configuration.
func NodeConfig(d config.Defaults, h config.HostConfig) node.Config {
	return node.Config{
		Name:            h.Name,
		Address:         h.Address,
		User:            h.User,
		Port:            h.Port,
		Device:          h.Device,
		KeyPath:         h.KeyPath,
		Reuse:           h.ReuseEnabled(),
		ControlPath:     h.ControlPath,
		Console:         h.Console,
		ConsoleCommand:  d.ConsoleCommand,
		ConsoleTimeouts: sessionTimeouts(d.ConsoleTimeouts),
		Timeouts:        sessionTimeouts(d.Timeouts),
		DispatchWait:    d.DispatchWait.D(),
	}
}

func sessionTimeouts(t config.TimeoutsConfig) session.Timeouts {
	return session.Timeouts{
		Connect: t.Connect.D(),
		Command: t.Command.D(),
		IOIdle:  t.IOIdle.D(),
	}
}

// Nodes returns the nodes in inventory order.
func (f *Fleet) Nodes() []*node.Node {
	return append([]*node.Node(nil), f.nodes...)
}

// Node returns the node called name.
func (f *Fleet) Node(name string) (*node.Node, error) {
	n, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("host '%s' not in fleet", name)
	}
	return n, nil
}

// Registry returns the shared registry.
func (f *Fleet) Registry() *task.Registry {
	return f.registry
}

// OpenConsoles waits for every pending console to connect.
func (f *Fleet) OpenConsoles(ctx context.Context, timeout time.Duration, opts ...task.JoinOption) task.JoinResult {
	return f.registry.OpenConsoles(ctx, timeout, opts...)
}

// Result is the outcome of one host in a batch.
type Result struct {
	Host   string
	Output []byte
	Err    error
	// Completed is false when the batch bound elapsed first.
	Completed  bool
	Timeout    session.TimeoutKind
	ExitStatus int
}

// RunAll dispatches command on every node asynchronously and joins them with
// RunAllCommands. Results follow node order. Commands still running when the
// bound elapses stay tracked by their node until Shutdown.
func (f *Fleet) RunAll(ctx context.Context, command string, timeout time.Duration, opts ...node.DispatchOption) []Result {
	return f.runAll(ctx, command, func(*node.Node) string { return command }, timeout, opts)
}

// RunAllWL is RunAll for the wireless utility, templated per node device.
func (f *Fleet) RunAllWL(ctx context.Context, args string, timeout time.Duration, opts ...node.DispatchOption) []Result {
	return f.runAll(ctx, "wl "+args, func(n *node.Node) string { return n.WLCommand(args) }, timeout, opts)
}

func (f *Fleet) runAll(ctx context.Context, text string, command func(*node.Node) string, timeout time.Duration, opts []node.DispatchOption) []Result {
	opts = append(opts[:len(opts):len(opts)], node.Async())
	futures := make([]*task.Future, len(f.nodes))
	for i, n := range f.nodes {
		futures[i], _ = n.Rexec(ctx, command(n), opts...)
	}

	f.registry.RunAllCommands(ctx, timeout,
		task.WithText(text), task.WithStopText(text))

	results := make([]Result, len(f.nodes))
	for i, fut := range futures {
		s := fut.Session()
		r := Result{
			Host:       f.nodes[i].Name(),
			Completed:  fut.Completed(),
			Timeout:    s.Timeout(),
			ExitStatus: s.ExitStatus(),
		}
		if r.Completed {
			r.Output, r.Err = fut.Result()
			f.nodes[i].Forget(fut)
		} else {
			r.Output = s.Output()
		}
		results[i] = r
	}
	return results
}

// Shutdown terminates outstanding commands and consoles, waits for the
// consoles to drain, then releases the transport.
func (f *Fleet) Shutdown(ctx context.Context) error {
	f.logger.Debug("shutting down fleet", "nodes", len(f.nodes))
	var errs []error
	for _, n := range f.nodes {
		n.CancelAll()
		if err := n.CloseConsole(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, n := range f.nodes {
		if c := n.Console(); c != nil {
			if err := c.Wait(ctx); err != nil {
				errs = append(errs, fmt.Errorf("console on %s did not close: %w", n.Name(), err))
			}
		}
	}
	if closer, ok := f.launcher.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}
