package constants

import "testing"

func TestControlPath(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		expected string
	}{
		{"ipv4", "10.19.87.7", "/tmp/controlmasters_10.19.87.7"},
		{"dns name", "dut1.lab", "/tmp/controlmasters_dut1.lab"},
		{"ipv6", "fe80::1", "/tmp/controlmasters_fe80__1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ControlPath(tt.address)
			if got != tt.expected {
				t.Errorf("ControlPath(%q) = %q, want %q", tt.address, got, tt.expected)
			}
		})
	}
}

func TestTimeoutDefaults(t *testing.T) {
	if ConnectTimeout <= 0 || CommandTimeout <= 0 || IOIdleTimeout <= 0 || DispatchWaitTimeout <= 0 {
		t.Error("default timeouts must be positive")
	}
	if IOIdleTimeout > CommandTimeout {
		t.Errorf("IOIdleTimeout (%v) should not exceed CommandTimeout (%v)", IOIdleTimeout, CommandTimeout)
	}
}
