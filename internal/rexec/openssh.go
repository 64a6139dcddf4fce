package rexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// DefaultSSHBinary is the OpenSSH client used by OpenSSH launchers.
const DefaultSSHBinary = "/usr/bin/ssh"

// OpenSSH launches commands through the system ssh client. Connection reuse
// uses OpenSSH multiplexing: the ControlMaster command owns the socket at
// ControlPath, every other command on the same path rides on it.
type OpenSSH struct {
	Binary         string
	ConnectTimeout time.Duration
	BatchMode      bool
	// Options are passed as extra "-o" arguments.
	Options []string
}

// NewOpenSSH returns an OpenSSH launcher with batch mode enabled.
func NewOpenSSH() *OpenSSH {
	return &OpenSSH{Binary: DefaultSSHBinary, BatchMode: true}
}

// Args builds the ssh argument list for command on dest.
func (o *OpenSSH) Args(dest Destination, command string) []string {
	var args []string
	if dest.ControlPath != "" {
		if dest.ControlMaster {
			args = append(args, "-o", "ControlMaster=yes")
		}
		args = append(args, "-o", "ControlPath="+dest.ControlPath)
	}
	if o.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	if o.ConnectTimeout > 0 {
		secs := int(o.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}
	for _, opt := range o.Options {
		args = append(args, "-o", opt)
	}
	if dest.Port != 0 && dest.Port != 22 {
		args = append(args, "-p", strconv.Itoa(dest.Port))
	}
	if dest.KeyPath != "" {
		args = append(args, "-i", dest.KeyPath)
	}
	return append(args, dest.Target(), command)
}

// Start runs ssh as a local child process.
func (o *OpenSSH) Start(ctx context.Context, dest Destination, command string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, TransportError("start ssh", err)
	}
	binary := o.Binary
	if binary == "" {
		binary = DefaultSSHBinary
	}

	// The process outlives ctx; termination goes through Handle.Terminate.
	cmd := exec.Command(binary, o.Args(dest, command)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, TransportError("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, TransportError("stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, TransportError("start ssh", err)
	}

	h := newPipeHandle()
	h.setTerminate(func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	})
	h.started(cmd.Process.Pid)
	h.stream(stdout, stderr, func() (int, error) {
		return sshExitStatus(cmd.Wait())
	})
	return h, nil
}

// sshExitStatus maps the result of cmd.Wait. Status 255 is ssh's own
// connection failure and is reported as a transport error.
func sshExitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := exitErr.ExitCode()
		if status == 255 {
			return status, TransportError("ssh", fmt.Errorf("exit status %d", status))
		}
		return status, nil
	}
	return -1, TransportError("wait ssh", err)
}
