package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateHost(t *testing.T) {
	valid := HostConfig{Name: "ap", Address: "10.0.0.1", User: "root", Port: 22, Device: "eth0"}

	tests := []struct {
		name      string
		mutate    func(h *HostConfig)
		wantField string
	}{
		{"valid host", func(h *HostConfig) {}, ""},
		{"missing name", func(h *HostConfig) { h.Name = "" }, "h.name"},
		{"invalid name", func(h *HostConfig) { h.Name = "ap;id" }, "h.name"},
		{"missing address", func(h *HostConfig) { h.Address = "" }, "h.address"},
		{"address with user", func(h *HostConfig) { h.Address = "root@10.0.0.1" }, "h.address"},
		{"invalid user", func(h *HostConfig) { h.User = "Root" }, "h.user"},
		{"port zero", func(h *HostConfig) { h.Port = 0 }, "h.port"},
		{"port too high", func(h *HostConfig) { h.Port = 70000 }, "h.port"},
		{"invalid device", func(h *HostConfig) { h.Device = "eth0;reboot" }, "h.device"},
		{"no device", func(h *HostConfig) { h.Device = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid
			tt.mutate(&h)
			errs := ValidateHost("h", h)

			if tt.wantField == "" {
				if errs.HasErrors() {
					t.Errorf("expected no errors, got %v", errs)
				}
				return
			}
			if len(errs) != 1 || errs[0].Field != tt.wantField {
				t.Errorf("expected one error on %s, got %v", tt.wantField, errs)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("duplicate names", func(t *testing.T) {
		inv := DefaultInventory()
		inv.Hosts = []HostConfig{
			{Name: "ap", Address: "10.0.0.1"},
			{Name: "ap", Address: "10.0.0.2"},
		}
		errs := Validate(inv)
		if len(errs) != 1 || errs[0].Field != "hosts[ap].name" {
			t.Errorf("expected duplicate name error, got %v", errs)
		}
	})

	t.Run("unnamed host uses index", func(t *testing.T) {
		inv := DefaultInventory()
		inv.Hosts = []HostConfig{{Address: "10.0.0.1"}}
		errs := Validate(inv)
		if len(errs) != 1 || errs[0].Field != "hosts[0].name" {
			t.Errorf("expected hosts[0].name error, got %v", errs)
		}
	})

	t.Run("bad transport", func(t *testing.T) {
		inv := DefaultInventory()
		inv.Defaults.Transport = "telnet"
		errs := Validate(inv)
		if len(errs) != 1 || errs[0].Field != "defaults.transport" {
			t.Errorf("expected transport error, got %v", errs)
		}
	})

	t.Run("negative timeouts", func(t *testing.T) {
		inv := DefaultInventory()
		inv.Defaults.Timeouts.Command = -1
		inv.Defaults.ConsoleTimeouts.IOIdle = -1
		errs := Validate(inv)
		if len(errs) != 2 {
			t.Fatalf("expected 2 errors, got %v", errs)
		}
		if errs[0].Field != "defaults.console_timeouts.io_idle" || errs[1].Field != "defaults.timeouts.command" {
			t.Errorf("unexpected fields: %v", errs)
		}
	})
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	if errs.HasErrors() || errs.Error() != "" {
		t.Error("empty ValidationErrors should report nothing")
	}

	errs = append(errs,
		ValidationError{Field: "a", Message: "bad"},
		ValidationError{Field: "b", Message: "worse"},
	)
	if got := errs.Error(); got != "a: bad; b: worse" {
		t.Errorf("Error() = %q", got)
	}

	var target ValidationErrors
	if !errors.As(error(errs), &target) || !strings.Contains(target.Error(), "worse") {
		t.Error("ValidationErrors should be usable with errors.As")
	}
}
