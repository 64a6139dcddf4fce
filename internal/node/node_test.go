package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/require"

	"github.com/yoanbernabeu/sshnodes/internal/logging/logtest"
	"github.com/yoanbernabeu/sshnodes/internal/rexec"
	"github.com/yoanbernabeu/sshnodes/internal/rexec/rexectest"
	"github.com/yoanbernabeu/sshnodes/internal/session"
	"github.com/yoanbernabeu/sshnodes/internal/task"
)

const eventually = 2 * time.Second

type harness struct {
	clock    *fakeclock.FakeClock
	launcher *rexectest.Launcher
	registry *task.Registry
	logs     *logtest.Recorder
	env      Env
}

// newHarness scripts commands by text; unknown commands echo nothing.
func newHarness(scripts map[string]rexectest.Script) *harness {
	rec, logger := logtest.New()
	clk := fakeclock.NewFakeClock(time.Now())
	l := &rexectest.Launcher{Script: func(_ rexec.Destination, cmd string) rexectest.Script {
		return scripts[cmd]
	}}
	reg := task.NewRegistry(clk, logger)
	return &harness{
		clock:    clk,
		launcher: l,
		registry: reg,
		logs:     rec,
		env:      Env{Launcher: l, Registry: reg, Clock: clk, Logger: logger},
	}
}

func (h *harness) node(t *testing.T, cfg Config) *Node {
	t.Helper()
	n, err := New(context.Background(), cfg, h.env)
	require.NoError(t, err)
	return n
}

func (h *harness) watchers(t *testing.T, count int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.clock.WatcherCount() == count }, eventually, time.Millisecond)
}

func TestExecEcho(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"echo ok": rexectest.Echo("ok\n")})
	n := h.node(t, Config{Name: "dut", Address: "10.19.87.7", User: "root"})

	out, err := n.Exec(context.Background(), "echo ok")
	require.NoError(t, err)
	require.Equal(t, "ok\n", string(out))
	require.Empty(t, n.Pending())
	require.Empty(t, h.registry.PendingCommands())

	lines := h.logs.Find("INFO", "ok")
	require.Len(t, lines, 1)
	require.Equal(t, "dut", lines[0].Attr("host"))

	dests := h.launcher.Destinations()
	require.Len(t, dests, 1)
	require.Equal(t, "root@10.19.87.7", dests[0].Target())
	require.Empty(t, dests[0].ControlPath)
}

func TestExecConnectTimeout(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"uname": rexectest.NeverStarts()})
	n := h.node(t, Config{Name: "dut", Address: "10.0.0.1"})

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := n.Exec(context.Background(), "uname", WithConnectTimeout(time.Second))
		done <- result{out, err}
	}()

	// Dispatch wait bound plus connect watchdog.
	h.watchers(t, 2)
	h.clock.Increment(time.Second)

	r := <-done
	require.NoError(t, r.err)
	require.Empty(t, r.out)
	require.True(t, h.launcher.Handles()[0].WasTerminated())

	errs := h.logs.Find("ERROR", "timeout")
	require.Len(t, errs, 1)
	require.Equal(t, "connect", errs[0].Attr("kind"))
	require.Equal(t, "dut", errs[0].Attr("host"))
	require.Empty(t, h.registry.PendingCommands())
}

func TestRexecDispatchWaitTimeout(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"iperf": rexectest.NeverStarts()})
	n := h.node(t, Config{Name: "dut", Address: "10.0.0.1"})

	type result struct {
		f   *task.Future
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := n.Rexec(context.Background(), "iperf", WithWait(time.Second), WithConnectTimeout(5*time.Second))
		done <- result{f, err}
	}()

	h.watchers(t, 2)
	h.clock.Increment(time.Second)

	r := <-done
	require.ErrorIs(t, r.err, ErrDispatchWaitTimeout)
	require.Len(t, h.logs.Find("ERROR", "dispatch wait elapsed"), 1)
	require.Empty(t, n.Pending())
	require.Empty(t, h.registry.PendingCommands())
	require.False(t, r.f.Session().TimedOut())

	// The command is still bounded by its own connect watchdog.
	h.clock.Increment(4 * time.Second)
	require.NoError(t, r.f.Session().Wait(context.Background()))
	require.Equal(t, session.TimeoutConnect, r.f.Session().Timeout())
}

func TestRexecDispatchWaitEqualToConnectTimeout(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"iperf": rexectest.NeverStarts()})
	n := h.node(t, Config{Name: "dut", Address: "10.0.0.1"})

	type result struct {
		f   *task.Future
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := n.Rexec(context.Background(), "iperf", WithWait(time.Second), WithConnectTimeout(time.Second))
		done <- result{f, err}
	}()

	h.watchers(t, 2)
	h.clock.Increment(time.Second)

	r := <-done
	require.ErrorIs(t, r.err, ErrDispatchWaitTimeout)
	require.Empty(t, n.Pending())
	require.Empty(t, h.registry.PendingCommands())

	require.NoError(t, r.f.Session().Wait(context.Background()))
	require.Equal(t, session.TimeoutConnect, r.f.Session().Timeout())
	require.True(t, h.launcher.Handles()[0].WasTerminated())
}

func TestRexecUnboundedWait(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"true": rexectest.Echo("")})
	n := h.node(t, Config{Name: "dut", Address: "10.0.0.1", DispatchWait: -1})

	_, err := n.Rexec(context.Background(), "true")
	require.NoError(t, err)
	require.Zero(t, h.clock.WatcherCount())
}

func TestRexecAsyncJoinedByRegistry(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"iperf -c ap": rexectest.Echo("done\n")})
	sta := h.node(t, Config{Name: "sta", Address: "10.0.0.2"})
	ap := h.node(t, Config{Name: "ap", Address: "10.0.0.1"})

	f1, err := sta.Rexec(context.Background(), "iperf -c ap", Async())
	require.NoError(t, err)
	f2, err := ap.Rexec(context.Background(), "iperf -c ap", Async())
	require.NoError(t, err)
	require.Len(t, h.registry.PendingCommands(), 2)

	res := h.registry.RunAllCommands(context.Background(), 0)
	require.Equal(t, 2, res.Completed)
	require.Empty(t, h.registry.PendingCommands())

	for _, f := range []*task.Future{f1, f2} {
		out, err := f.Result()
		require.NoError(t, err)
		require.Equal(t, "done\n", string(out))
	}
	require.Empty(t, sta.Pending())
}

func TestExecTransportFailure(t *testing.T) {
	h := newHarness(nil)
	h.launcher.StartErr = errors.New("exec: ssh not found")
	n := h.node(t, Config{Name: "dut", Address: "10.0.0.1"})

	_, err := n.Exec(context.Background(), "true")
	require.ErrorIs(t, err, rexec.ErrTransport)
	require.Empty(t, h.registry.PendingCommands())
}

func TestConsole(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{
		"dmesg -w": rexectest.Stream("[ 12.0] wl0: link up\n"),
		"uptime":   rexectest.Echo("up 3 days\n"),
	})
	n := h.node(t, Config{
		Name:            "ap",
		Address:         "10.0.0.1",
		User:            "root",
		Console:         true,
		Reuse:           true,
		ConsoleTimeouts: session.Timeouts{Connect: 10 * time.Second},
	})
	require.Len(t, h.registry.PendingConsoles(), 1)

	res := h.registry.OpenConsoles(context.Background(), 5*time.Second)
	require.Equal(t, 1, res.Completed)
	require.False(t, res.TimedOut)

	console := n.Console()
	require.NotNil(t, console)
	require.True(t, console.KeepOpen())
	require.Equal(t, "dmesg -w", console.Command())

	out, err := n.Exec(context.Background(), "uptime")
	require.NoError(t, err)
	require.Equal(t, "up 3 days\n", string(out))
	require.Empty(t, n.Pending(), "console never appears in the command list")

	dests := h.launcher.Destinations()
	require.Len(t, dests, 2)
	require.True(t, dests[0].ControlMaster)
	require.Equal(t, "/tmp/controlmasters_10.0.0.1", dests[0].ControlPath)
	require.False(t, dests[1].ControlMaster)
	require.Equal(t, dests[0].ControlPath, dests[1].ControlPath)

	require.Eventually(t, func() bool {
		return len(h.logs.Find("INFO", "[ 12.0] wl0: link up")) == 1
	}, eventually, time.Millisecond)

	require.NoError(t, n.CloseConsole())
	require.NoError(t, console.Wait(context.Background()))
	require.NoError(t, n.CloseConsole())
	require.False(t, console.TimedOut())
}

func TestOpenConsolesTwoNodes(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"dmesg -w": rexectest.Stream()})
	a := h.node(t, Config{Name: "ap", Address: "10.0.0.1", Console: true})
	b := h.node(t, Config{Name: "sta", Address: "10.0.0.2", Console: true})

	res := h.registry.OpenConsoles(context.Background(), 5*time.Second)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 2, res.Completed)

	for _, n := range []*Node{a, b} {
		require.Equal(t, session.StateConnected, n.Console().State())
		require.NoError(t, n.CloseConsole())
		require.NoError(t, n.Console().Wait(context.Background()))
	}
}

func TestCustomConsoleCommand(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"logread -f": rexectest.Stream()})
	n := h.node(t, Config{Name: "ap", Address: "10.0.0.1", Console: true, ConsoleCommand: "logread -f", ControlPath: "/run/cm-ap"})

	h.registry.OpenConsoles(context.Background(), 0)
	require.Equal(t, []string{"logread -f"}, h.launcher.Commands())
	// Reuse is off so the control path is not used.
	require.Empty(t, h.launcher.Destinations()[0].ControlPath)
	require.Empty(t, n.ControlPath())
	require.NoError(t, n.CloseConsole())
}

func TestCloseConsoleWithoutConsole(t *testing.T) {
	h := newHarness(nil)
	n := h.node(t, Config{Name: "sta", Address: "10.0.0.2"})
	require.Nil(t, n.Console())
	require.NoError(t, n.CloseConsole())
}

func TestWLCommand(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		args     string
		expected string
	}{
		{"with device", "eth0", "status", "/usr/bin/wl -i 'eth0' status"},
		{"without device", "", "ver", "/usr/bin/wl ver"},
		{"no args", "wl0.1", "", "/usr/bin/wl -i 'wl0.1'"},
	}

	h := newHarness(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := h.node(t, Config{Name: "dut", Address: "10.0.0.1", Device: tt.device})
			if got := n.WLCommand(tt.args); got != tt.expected {
				t.Errorf("WLCommand(%q) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestWL(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"/usr/bin/wl -i 'eth0' rssi": rexectest.Echo("-42\n")})
	n := h.node(t, Config{Name: "sta", Address: "10.0.0.2", Device: "eth0"})

	f, err := n.WL(context.Background(), "rssi")
	require.NoError(t, err)
	out, _ := f.Result()
	require.Equal(t, "-42\n", string(out))
}

func TestForgetAndCancelAll(t *testing.T) {
	h := newHarness(map[string]rexectest.Script{"ping": rexectest.Stream()})
	n := h.node(t, Config{Name: "sta", Address: "10.0.0.2"})

	f1, err := n.Rexec(context.Background(), "ping", Async())
	require.NoError(t, err)
	f2, err := n.Rexec(context.Background(), "ping", Async())
	require.NoError(t, err)
	require.Len(t, n.Pending(), 2)

	n.Forget(f1)
	require.Equal(t, []*task.Future{f2}, n.Pending())
	require.Equal(t, []*task.Future{f2}, h.registry.PendingCommands())

	require.Equal(t, 1, n.CancelAll())
	require.Empty(t, n.Pending())
	require.Empty(t, h.registry.PendingCommands())
	<-f2.Done()
	require.False(t, f2.Session().TimedOut())

	require.NoError(t, f1.Session().Close())
	<-f1.Done()
}

func TestNewValidation(t *testing.T) {
	h := newHarness(nil)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty address", Config{Name: "dut"}},
		{"bad address", Config{Name: "dut", Address: "dut;reboot"}},
		{"bad device", Config{Name: "dut", Address: "10.0.0.1", Device: "eth0 && id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg, h.env); err == nil {
				t.Errorf("New(%+v) expected error", tt.cfg)
			}
		})
	}

	_, err := New(context.Background(), Config{Address: "10.0.0.1"}, Env{})
	require.Error(t, err)

	n := h.node(t, Config{Address: "10.0.0.9"})
	require.Equal(t, "10.0.0.9", n.Name())
}
