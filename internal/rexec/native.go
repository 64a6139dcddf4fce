package rexec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultDialTimeout bounds the TCP connect and SSH handshake.
const DefaultDialTimeout = 30 * time.Second

// Native launches commands over golang.org/x/crypto/ssh. Destinations with a
// ControlPath share one *ssh.Client per path; the others dial per command.
type Native struct {
	DialTimeout           time.Duration
	KnownHostsPath        string
	InsecureIgnoreHostKey bool

	mu      sync.Mutex
	clients map[string]*ssh.Client
	seq     atomic.Int64
}

// NewNative returns a Native launcher with default dial timeout.
func NewNative() *Native {
	return &Native{DialTimeout: DefaultDialTimeout}
}

// Start opens an exec channel in the background. Dialing happens after Start
// returns so the connect watchdog of the caller covers it.
func (n *Native) Start(ctx context.Context, dest Destination, command string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, TransportError("start", err)
	}
	if dest.Address == "" {
		return nil, TransportError("start", errors.New("empty address"))
	}

	dialCtx, cancel := context.WithCancel(context.Background())
	h := newPipeHandle()
	h.setTerminate(func() error {
		cancel()
		return nil
	})
	go n.run(dialCtx, cancel, h, dest, command)
	return h, nil
}

func (n *Native) run(ctx context.Context, cancel context.CancelFunc, h *pipeHandle, dest Destination, command string) {
	defer cancel()

	client, shared, err := n.client(ctx, dest)
	if err != nil {
		h.abort(TransportError("connect "+dest.Address, err))
		return
	}
	release := func() {
		if !shared {
			client.Close()
		}
	}

	session, err := client.NewSession()
	if err != nil {
		if shared {
			n.drop(dest.ControlPath, client)
		}
		release()
		h.abort(TransportError("new session", err))
		return
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		release()
		h.abort(TransportError("stdout pipe", err))
		return
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		release()
		h.abort(TransportError("stderr pipe", err))
		return
	}
	if err := session.Start(command); err != nil {
		session.Close()
		release()
		h.abort(TransportError("start command", err))
		return
	}

	alive := h.setTerminate(func() error {
		cancel()
		_ = session.Signal(ssh.SIGTERM)
		return session.Close()
	})
	if !alive {
		// Terminated while connecting; the closed channel drains the pumps.
		h.stream(stdout, stderr, func() (int, error) {
			defer release()
			_ = session.Wait()
			return -1, nil
		})
		return
	}

	h.started(int(n.seq.Add(1)))
	h.stream(stdout, stderr, func() (int, error) {
		defer release()
		defer session.Close()
		return sessionExitStatus(session.Wait(), h.wasTerminated())
	})
}

func sessionExitStatus(err error, terminated bool) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if terminated {
		return -1, nil
	}
	return -1, TransportError("wait", err)
}

// client returns a connected client for dest and whether it is pooled.
func (n *Native) client(ctx context.Context, dest Destination) (*ssh.Client, bool, error) {
	if dest.ControlPath == "" {
		c, err := n.dial(ctx, dest)
		return c, false, err
	}

	n.mu.Lock()
	if c, ok := n.clients[dest.ControlPath]; ok {
		n.mu.Unlock()
		return c, true, nil
	}
	n.mu.Unlock()

	c, err := n.dial(ctx, dest)
	if err != nil {
		return nil, false, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.clients == nil {
		n.clients = make(map[string]*ssh.Client)
	}
	if existing, ok := n.clients[dest.ControlPath]; ok {
		// Lost the race against a concurrent dial.
		c.Close()
		return existing, true, nil
	}
	n.clients[dest.ControlPath] = c
	return c, true, nil
}

func (n *Native) drop(path string, c *ssh.Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.clients[path] == c {
		delete(n.clients, path)
		c.Close()
	}
}

func (n *Native) dial(ctx context.Context, dest Destination) (*ssh.Client, error) {
	auth, err := authMethods(dest.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeyCB, err := hostKeyCallback(n.KnownHostsPath, n.InsecureIgnoreHostKey)
	if err != nil {
		return nil, fmt.Errorf("host key verification failed: %w", err)
	}

	timeout := n.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            dest.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCB,
		Timeout:         timeout,
	}

	port := dest.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(dest.Address, strconv.Itoa(port))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// Abort the handshake if the caller terminates while it is in flight.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Close drops every pooled connection.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	for path, c := range n.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(n.clients, path)
	}
	return errors.Join(errs...)
}
