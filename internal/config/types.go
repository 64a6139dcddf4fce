package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yoanbernabeu/sshnodes/internal/constants"
)

// Inventory represents ~/.config/sshnodes/inventory.yaml
type Inventory struct {
	Defaults Defaults     `yaml:"defaults,omitempty"`
	Hosts    []HostConfig `yaml:"hosts"`
}

// Defaults apply to every host unless the host overrides them
type Defaults struct {
	User      string `yaml:"user,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	KeyPath   string `yaml:"key_path,omitempty"`
	Transport string `yaml:"transport,omitempty"`
	// Reuse enables connection multiplexing through a control socket
	Reuse           *bool          `yaml:"reuse,omitempty"`
	ConsoleCommand  string         `yaml:"console_command,omitempty"`
	Timeouts        TimeoutsConfig `yaml:"timeouts,omitempty"`
	ConsoleTimeouts TimeoutsConfig `yaml:"console_timeouts,omitempty"`
	DispatchWait    Duration       `yaml:"dispatch_wait,omitempty"`
}

// TimeoutsConfig holds the three watchdog timeouts. Zero disables one.
type TimeoutsConfig struct {
	Connect Duration `yaml:"connect,omitempty"`
	Command Duration `yaml:"command,omitempty"`
	IOIdle  Duration `yaml:"io_idle,omitempty"`
}

// HostConfig represents one remote test device
type HostConfig struct {
	Name        string `yaml:"name"`
	Address     string `yaml:"address"`
	User        string `yaml:"user,omitempty"`
	Port        int    `yaml:"port,omitempty"`
	Device      string `yaml:"device,omitempty"`
	KeyPath     string `yaml:"key_path,omitempty"`
	Console     bool   `yaml:"console,omitempty"`
	ControlPath string `yaml:"control_path,omitempty"`
	Reuse       *bool  `yaml:"reuse,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("20s")
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts duration strings and plain integers (seconds)
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"20s\": %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultInventory returns an inventory with default settings and no hosts
func DefaultInventory() *Inventory {
	return &Inventory{Defaults: DefaultDefaults()}
}

// DefaultDefaults returns the built-in host defaults
func DefaultDefaults() Defaults {
	reuse := true
	return Defaults{
		User:           constants.DefaultUser,
		Port:           constants.DefaultPort,
		Transport:      constants.DefaultTransport,
		Reuse:          &reuse,
		ConsoleCommand: constants.ConsoleCommand,
		Timeouts: TimeoutsConfig{
			Connect: Duration(constants.ConnectTimeout),
			Command: Duration(constants.CommandTimeout),
			IOIdle:  Duration(constants.IOIdleTimeout),
		},
		ConsoleTimeouts: TimeoutsConfig{
			Connect: Duration(constants.ConnectTimeout),
		},
		DispatchWait: Duration(constants.DispatchWaitTimeout),
	}
}

// applyDefaults fills unset defaults with the built-in values. Explicit
// timeouts are kept, so a configured value still wins over the built-in one.
func (d *Defaults) applyDefaults() {
	def := DefaultDefaults()
	if d.User == "" {
		d.User = def.User
	}
	if d.Port == 0 {
		d.Port = def.Port
	}
	if d.Transport == "" {
		d.Transport = def.Transport
	}
	if d.Reuse == nil {
		d.Reuse = def.Reuse
	}
	if d.ConsoleCommand == "" {
		d.ConsoleCommand = def.ConsoleCommand
	}
	if d.Timeouts == (TimeoutsConfig{}) {
		d.Timeouts = def.Timeouts
	}
	if d.ConsoleTimeouts == (TimeoutsConfig{}) {
		d.ConsoleTimeouts = def.ConsoleTimeouts
	}
	if d.DispatchWait == 0 {
		d.DispatchWait = def.DispatchWait
	}
}

// Resolved returns h with every unset field taken from the defaults
func (inv *Inventory) Resolved(h HostConfig) HostConfig {
	if h.User == "" {
		h.User = inv.Defaults.User
	}
	if h.Port == 0 {
		h.Port = inv.Defaults.Port
	}
	if h.KeyPath == "" {
		h.KeyPath = inv.Defaults.KeyPath
	}
	if h.Reuse == nil {
		h.Reuse = inv.Defaults.Reuse
	}
	if h.ControlPath == "" && h.Reuse != nil && *h.Reuse {
		h.ControlPath = constants.ControlPath(h.Address)
	}
	return h
}

// ReuseEnabled reports whether connection multiplexing is on for h
func (h HostConfig) ReuseEnabled() bool {
	return h.Reuse != nil && *h.Reuse
}
