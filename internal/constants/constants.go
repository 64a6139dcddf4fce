package constants

import (
	"path/filepath"
	"strings"
	"time"
)

// Remote tooling on the test devices
const (
	ConsoleCommand = "dmesg -w"
	WLBinary       = "/usr/bin/wl"
	SSHBinary      = "/usr/bin/ssh"
)

// Connection defaults
const (
	DefaultUser       = "root"
	DefaultPort       = 22
	ControlPathDir    = "/tmp"
	ControlPathPrefix = "controlmasters_"
	DefaultTransport  = "openssh"
	NativeTransport   = "native"
)

// Timeout defaults
const (
	ConnectTimeout      = 10 * time.Second
	CommandTimeout      = 30 * time.Second
	IOIdleTimeout       = 20 * time.Second
	DispatchWaitTimeout = 10 * time.Second
	ConsoleOpenTimeout  = 30 * time.Second
	ConsoleSettleDelay  = 2 * time.Second
)

// Inventory location
const (
	ConfigDir     = "sshnodes"
	InventoryFile = "inventory.yaml"
	EnvPrefix     = "SSHNODES"
)

// ControlPath returns the multiplexing socket path for a host address.
func ControlPath(address string) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(address)
	return filepath.Join(ControlPathDir, ControlPathPrefix+safe)
}
