package security

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	// hostNameRegex validates inventory host names (display names)
	// Allows: letters, numbers, underscores, hyphens
	// Length: 1-64 characters
	hostNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,62}[a-zA-Z0-9])?$`)

	// unixUserRegex validates Unix usernames
	// Standard POSIX username rules
	// Length: 1-32 characters
	unixUserRegex = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

	// deviceRegex validates network interface names passed to vendor tools
	// Linux IFNAMSIZ limits names to 15 characters
	deviceRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,14}$`)

	// dnsNameRegex validates DNS host names used as addresses
	dnsNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

	// sensitiveLogPatterns used by SanitizeCommandForLog to mask secrets
	sensitiveLogPatterns = []string{
		"PASSWORD=",
		"PASSPHRASE=",
		"TOKEN=",
		"SECRET=",
	}
)

// ValidateHostName validates an inventory host name
func ValidateHostName(name string) error {
	if name == "" {
		return fmt.Errorf("host name cannot be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("host name too long (max 64 characters)")
	}
	if !hostNameRegex.MatchString(name) {
		return fmt.Errorf("host name must contain only letters, numbers, underscores, and hyphens")
	}
	return nil
}

// ValidateAddress validates a host address: an IP literal or a DNS name
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if net.ParseIP(addr) != nil {
		return nil
	}
	if len(addr) > 253 || !dnsNameRegex.MatchString(addr) {
		return fmt.Errorf("address %q is neither an IP address nor a valid host name", addr)
	}
	return nil
}

// ValidateUnixUser validates a Unix username
func ValidateUnixUser(user string) error {
	if user == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(user) > 32 {
		return fmt.Errorf("username too long (max 32 characters)")
	}
	if !unixUserRegex.MatchString(user) {
		return fmt.Errorf("username must start with a lowercase letter or underscore, followed by lowercase letters, numbers, underscores, or hyphens")
	}
	return nil
}

// ValidateDevice validates a device (network interface) tag
func ValidateDevice(device string) error {
	if device == "" {
		return nil
	}
	if !deviceRegex.MatchString(device) {
		return fmt.Errorf("device %q must be an interface name (letters, numbers, dots, underscores, hyphens; max 15 characters)", device)
	}
	return nil
}

// ShellEscape escapes a string for safe use in shell commands by wrapping it
// in single quotes and escaping any internal single quotes using the POSIX
// pattern: ' → '\''
func ShellEscape(s string) string {
	escaped := strings.ReplaceAll(s, "'", "'\\''")
	return "'" + escaped + "'"
}

// SanitizeCommandForLog masks sensitive values in commands before logging.
// Matching is on variable name suffix, so DB_PASSWORD= and API_TOKEN= are
// covered as well.
func SanitizeCommandForLog(cmd string) string {
	result := cmd

	for _, pattern := range sensitiveLogPatterns {
		searchFrom := 0
		for {
			idx := strings.Index(result[searchFrom:], pattern)
			if idx == -1 {
				break
			}
			valueStart := searchFrom + idx + len(pattern)
			valueEnd := findValueEnd(result, valueStart)
			masked := "****"
			result = result[:valueStart] + masked + result[valueEnd:]
			searchFrom = valueStart + len(masked)
		}
	}

	return maskPasswordFlag(result)
}

// findValueEnd finds where a shell value ends (handles quoted and unquoted values)
func findValueEnd(s string, start int) int {
	if start >= len(s) {
		return start
	}

	if s[start] == '\'' || s[start] == '"' {
		end := strings.IndexByte(s[start+1:], s[start])
		if end == -1 {
			return len(s)
		}
		return start + end + 2
	}

	for i := start; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' || s[i] == '\n' {
			return i
		}
	}
	return len(s)
}

// maskPasswordFlag masks the argument of "sshpass -p <password>"
func maskPasswordFlag(cmd string) string {
	const flag = "sshpass -p "
	idx := strings.Index(cmd, flag)
	if idx == -1 {
		return cmd
	}
	valueStart := idx + len(flag)
	valueEnd := findValueEnd(cmd, valueStart)
	return cmd[:valueStart] + "****" + cmd[valueEnd:]
}
