package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultInventory(t *testing.T) {
	inv := DefaultInventory()

	if inv.Defaults.User != "root" {
		t.Errorf("expected default user 'root', got %s", inv.Defaults.User)
	}
	if inv.Defaults.Port != 22 {
		t.Errorf("expected default port 22, got %d", inv.Defaults.Port)
	}
	if inv.Defaults.ConsoleCommand != "dmesg -w" {
		t.Errorf("expected console command 'dmesg -w', got %s", inv.Defaults.ConsoleCommand)
	}
	if inv.Defaults.Timeouts.IOIdle.D() != 20*time.Second {
		t.Errorf("expected io_idle 20s, got %s", inv.Defaults.Timeouts.IOIdle)
	}
	if inv.Defaults.DispatchWait.D() != 10*time.Second {
		t.Errorf("expected dispatch_wait 10s, got %s", inv.Defaults.DispatchWait)
	}
	if inv.Defaults.ConsoleTimeouts.Command != 0 || inv.Defaults.ConsoleTimeouts.IOIdle != 0 {
		t.Error("console command and idle watchdogs should be disabled by default")
	}
}

func TestDurationYAML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"go duration", "d: 20s", 20 * time.Second, false},
		{"minutes", "d: 1m30s", 90 * time.Second, false},
		{"plain seconds", "d: 45", 45 * time.Second, false},
		{"milliseconds", "d: 250ms", 250 * time.Millisecond, false},
		{"missing unit", `d: "20"`, 0, true},
		{"garbage", "d: soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && out.D.D() != tt.expected {
				t.Errorf("Unmarshal(%q) = %s, want %s", tt.input, out.D, tt.expected)
			}
		})
	}

	data, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(20 * time.Second)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != "d: 20s\n" {
		t.Errorf("Marshal() = %q, want %q", data, "d: 20s\n")
	}
}

func TestResolved(t *testing.T) {
	inv := DefaultInventory()
	inv.Defaults.KeyPath = "~/.ssh/lab"

	h := inv.Resolved(HostConfig{Name: "ap", Address: "10.0.0.1"})
	if h.User != "root" || h.Port != 22 || h.KeyPath != "~/.ssh/lab" {
		t.Errorf("Resolved() did not apply defaults: %+v", h)
	}
	if !h.ReuseEnabled() {
		t.Error("expected reuse enabled by default")
	}
	if h.ControlPath != "/tmp/controlmasters_10.0.0.1" {
		t.Errorf("ControlPath = %q", h.ControlPath)
	}

	off := false
	h = inv.Resolved(HostConfig{Name: "sta", Address: "10.0.0.2", User: "lab", Port: 2222, Reuse: &off})
	if h.User != "lab" || h.Port != 2222 {
		t.Errorf("Resolved() overrode host values: %+v", h)
	}
	if h.ReuseEnabled() || h.ControlPath != "" {
		t.Errorf("expected no control path with reuse off, got %q", h.ControlPath)
	}
}
