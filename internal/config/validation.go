package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/yoanbernabeu/sshnodes/internal/constants"
	"github.com/yoanbernabeu/sshnodes/internal/security"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the inventory defaults and every host
func Validate(inv *Inventory) ValidationErrors {
	var errors ValidationErrors

	errors = append(errors, validateDefaults(&inv.Defaults)...)

	seen := make(map[string]bool)
	for i, h := range inv.Hosts {
		prefix := fmt.Sprintf("hosts[%d]", i)
		if h.Name != "" {
			prefix = fmt.Sprintf("hosts[%s]", h.Name)
			if seen[h.Name] {
				errors = append(errors, ValidationError{
					Field:   prefix + ".name",
					Message: "duplicate host name",
				})
			}
			seen[h.Name] = true
		}
		errors = append(errors, ValidateHost(prefix, inv.Resolved(h))...)
	}

	return errors
}

// ValidateHost validates a resolved host configuration
func ValidateHost(prefix string, h HostConfig) ValidationErrors {
	var errors ValidationErrors

	if err := security.ValidateHostName(h.Name); err != nil {
		errors = append(errors, ValidationError{Field: prefix + ".name", Message: err.Error()})
	}
	if err := security.ValidateAddress(h.Address); err != nil {
		errors = append(errors, ValidationError{Field: prefix + ".address", Message: err.Error()})
	}
	if err := security.ValidateUnixUser(h.User); err != nil {
		errors = append(errors, ValidationError{Field: prefix + ".user", Message: err.Error()})
	}
	if h.Port < 1 || h.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".port",
			Message: "port must be between 1 and 65535",
		})
	}
	if err := security.ValidateDevice(h.Device); err != nil {
		errors = append(errors, ValidationError{Field: prefix + ".device", Message: err.Error()})
	}

	return errors
}

func validateDefaults(d *Defaults) ValidationErrors {
	var errors ValidationErrors

	if !isValidTransport(d.Transport) {
		errors = append(errors, ValidationError{
			Field:   "defaults.transport",
			Message: fmt.Sprintf("unsupported transport (use %s or %s)", constants.DefaultTransport, constants.NativeTransport),
		})
	}

	durations := map[string]Duration{
		"defaults.timeouts.connect":         d.Timeouts.Connect,
		"defaults.timeouts.command":         d.Timeouts.Command,
		"defaults.timeouts.io_idle":         d.Timeouts.IOIdle,
		"defaults.console_timeouts.connect": d.ConsoleTimeouts.Connect,
		"defaults.console_timeouts.command": d.ConsoleTimeouts.Command,
		"defaults.console_timeouts.io_idle": d.ConsoleTimeouts.IOIdle,
	}
	for _, field := range sortedKeys(durations) {
		if durations[field] < 0 {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: "timeout cannot be negative (use 0 to disable)",
			})
		}
	}

	return errors
}

func isValidTransport(transport string) bool {
	switch transport {
	case constants.DefaultTransport, constants.NativeTransport:
		return true
	}
	return false
}

func sortedKeys(m map[string]Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
