package rexec

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransport marks a failure of the remote-shell transport itself: the
// command could not be started, or the connection died underneath it.
var ErrTransport = errors.New("transport failure")

// Stream identifies one of the two output streams of a remote command.
type Stream int

const (
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("stream(%d)", int(s))
}

// EventKind is the type of a transport notification.
type EventKind int

const (
	// EventStarted reports that the process is running and its pid is known.
	EventStarted EventKind = iota
	// EventData carries a chunk of output from one stream.
	EventData
	// EventStreamClosed reports that a stream has been fully drained.
	EventStreamClosed
	// EventExited reports process exit. Stream closures may still follow.
	EventExited
)

// Event is one notification delivered by a Handle.
type Event struct {
	Kind   EventKind
	PID    int
	Stream Stream
	Data   []byte
	// Status is the exit status for EventExited, -1 when unknown.
	Status int
	// Err is set on EventExited when the transport failed rather than the
	// command exiting on its own.
	Err error
}

// Destination describes where and how a command is launched.
type Destination struct {
	Name    string
	User    string
	Address string
	Port    int
	KeyPath string
	// ControlPath is the connection-multiplexing socket. Empty disables reuse.
	ControlPath string
	// ControlMaster makes this command own the shared connection.
	ControlMaster bool
}

// Target returns user@address as understood by ssh.
func (d Destination) Target() string {
	if d.User == "" {
		return d.Address
	}
	return d.User + "@" + d.Address
}

// Handle is a running remote command.
type Handle interface {
	// Events delivers notifications in arrival order. The channel is closed
	// once EventExited and both EventStreamClosed were delivered.
	Events() <-chan Event
	// Terminate forcibly stops the process. Safe to call more than once.
	Terminate() error
}

// Launcher starts remote commands.
type Launcher interface {
	Start(ctx context.Context, dest Destination, command string) (Handle, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, dest Destination, command string) (Handle, error)

// Start calls f.
func (f LauncherFunc) Start(ctx context.Context, dest Destination, command string) (Handle, error) {
	return f(ctx, dest, command)
}

// TransportError wraps err so that errors.Is(err, ErrTransport) holds.
func TransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}
