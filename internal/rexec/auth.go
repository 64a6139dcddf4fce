package rexec

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Environment overrides for unattended runs (lab CI).
const (
	EnvSSHKey           = "SSHNODES_SSH_KEY"
	EnvKnownHosts       = "SSHNODES_KNOWN_HOSTS"
	EnvSkipHostKeyCheck = "SSHNODES_SKIP_HOST_KEY_CHECK"
)

// KeyInfo describes a private key found on disk.
type KeyInfo struct {
	Path        string
	Type        string
	IsEncrypted bool
}

// DiscoverKeys scans dir (usually ~/.ssh) for private keys, preferred first.
func DiscoverKeys(dir string) ([]KeyInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var keys []KeyInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".pub") {
			continue
		}
		if !strings.HasPrefix(name, "id_") && !strings.HasSuffix(name, ".pem") {
			continue
		}
		info, err := inspectKey(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		keys = append(keys, *info)
	}

	sort.SliceStable(keys, func(i, j int) bool {
		return keyTypePriority(keys[i].Type) < keyTypePriority(keys[j].Type)
	})
	return keys, nil
}

func inspectKey(path string) (*KeyInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	info := &KeyInfo{Path: path, Type: detectKeyType(data)}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return nil, fmt.Errorf("invalid SSH key: %w", err)
		}
		info.IsEncrypted = true
	}
	return info, nil
}

func keyTypePriority(keyType string) int {
	switch keyType {
	case "ed25519":
		return 1
	case "rsa":
		return 2
	case "ecdsa":
		return 3
	default:
		return 4
	}
}

func detectKeyType(data []byte) string {
	content := string(data)
	switch {
	case strings.Contains(content, "OPENSSH PRIVATE KEY"):
		return "ed25519"
	case strings.Contains(content, "RSA PRIVATE KEY"):
		return "rsa"
	case strings.Contains(content, "EC PRIVATE KEY"):
		return "ecdsa"
	case strings.Contains(content, "DSA PRIVATE KEY"):
		return "dsa"
	}
	return "unknown"
}

// authMethods collects the env key, the configured or discovered key file,
// and the ssh-agent, in that order.
func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if envKey := os.Getenv(EnvSSHKey); envKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(envKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", EnvSSHKey, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if keyPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			if keys, _ := DiscoverKeys(filepath.Join(home, ".ssh")); len(keys) > 0 {
				for _, k := range keys {
					if !k.IsEncrypted {
						keyPath = k.Path
						break
					}
				}
			}
		}
	}
	if keyPath != "" {
		signer, err := loadSigner(keyPath)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH credentials found (set %s, a key path, or SSH_AUTH_SOCK)", EnvSSHKey)
	}
	return methods, nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	if strings.HasPrefix(keyPath, "~/") {
		home, _ := os.UserHomeDir()
		keyPath = filepath.Join(home, keyPath[2:])
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// hostKeyCallback verifies against known_hosts unless explicitly disabled.
func hostKeyCallback(knownHostsPath string, insecure bool) (ssh.HostKeyCallback, error) {
	if content := os.Getenv(EnvKnownHosts); content != "" {
		tmp, err := os.CreateTemp("", "known_hosts")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp known_hosts: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(content); err != nil {
			tmp.Close()
			return nil, fmt.Errorf("failed to write temp known_hosts: %w", err)
		}
		tmp.Close()
		cb, err := knownhosts.New(tmp.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", EnvKnownHosts, err)
		}
		return cb, nil
	}

	if insecure || os.Getenv(EnvSkipHostKeyCheck) == "true" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("known_hosts file not found at %s (set %s=true to skip verification)",
			knownHostsPath, EnvSkipHostKeyCheck)
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read known_hosts: %w", err)
	}
	return cb, nil
}
