package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/yoanbernabeu/sshnodes/internal/constants"
)

// DefaultPath returns the path to the user's inventory file
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, constants.ConfigDir, constants.InventoryFile), nil
}

// Load reads and validates the inventory at path ("" means DefaultPath).
// A missing file yields an empty inventory with default settings.
func Load(path string) (*Inventory, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultInventory(), nil
		}
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes inventory YAML, applies defaults and validates the result
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, err
	}
	inv.Defaults.applyDefaults()

	if errs := Validate(&inv); errs.HasErrors() {
		return nil, errs
	}
	return &inv, nil
}

// Save writes the inventory to path ("" means DefaultPath)
func Save(inv *Inventory, path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	// SECURITY: Use 0700 to restrict directory access to owner only
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal inventory: %w", err)
	}

	// SECURITY: Use 0600, the file names lab hosts and key paths
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write inventory: %w", err)
	}

	return nil
}

// Host retrieves a host by name
func (inv *Inventory) Host(name string) (*HostConfig, error) {
	for i := range inv.Hosts {
		if inv.Hosts[i].Name == name {
			h := inv.Resolved(inv.Hosts[i])
			return &h, nil
		}
	}
	return nil, fmt.Errorf("host '%s' not found", name)
}

// AddHost adds a new host to the inventory
func (inv *Inventory) AddHost(host HostConfig) error {
	if _, err := inv.Host(host.Name); err == nil {
		return fmt.Errorf("host '%s' already exists", host.Name)
	}
	inv.Hosts = append(inv.Hosts, host)
	return nil
}

// RemoveHost removes a host from the inventory
func (inv *Inventory) RemoveHost(name string) error {
	for i := range inv.Hosts {
		if inv.Hosts[i].Name == name {
			inv.Hosts = append(inv.Hosts[:i], inv.Hosts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("host '%s' not found", name)
}

// HostNames returns all host names in inventory order
func (inv *Inventory) HostNames() []string {
	names := make([]string, 0, len(inv.Hosts))
	for _, h := range inv.Hosts {
		names = append(names, h.Name)
	}
	return names
}

// Select returns the resolved hosts matching names, every host when names
// is empty.
func (inv *Inventory) Select(names ...string) ([]HostConfig, error) {
	if len(names) == 0 {
		hosts := make([]HostConfig, 0, len(inv.Hosts))
		for _, h := range inv.Hosts {
			hosts = append(hosts, inv.Resolved(h))
		}
		return hosts, nil
	}

	hosts := make([]HostConfig, 0, len(names))
	for _, name := range names {
		h, err := inv.Host(name)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, nil
}
