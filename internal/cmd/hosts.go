package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/sshnodes/internal/config"
	"github.com/yoanbernabeu/sshnodes/internal/constants"
	"github.com/yoanbernabeu/sshnodes/internal/node"
	"github.com/yoanbernabeu/sshnodes/internal/rexec"
	"github.com/yoanbernabeu/sshnodes/internal/security"
	"github.com/yoanbernabeu/sshnodes/internal/session"
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage the host inventory",
	Long:  `Commands to add, list, test and remove inventory hosts.`,
}

var hostsAddCmd = &cobra.Command{
	Use:   "add <name> <[user@]address>",
	Short: "Add a host",
	Long: `Adds a host to the inventory and checks that it answers over SSH.

When the check fails, the keys found in ~/.ssh are tried in turn (or
offered for selection in a terminal) and the first one that works is
saved with the host.

Example:
  sshnodes hosts add ap root@10.19.87.7 --device wl0 --console
  sshnodes hosts add sta 10.19.87.8 --port 2222 --key ~/.ssh/lab_ed25519`,
	Args: cobra.ExactArgs(2),
	RunE: runHostsAdd,
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inventory hosts",
	RunE:  runHostsList,
}

var hostsTestCmd = &cobra.Command{
	Use:   "test [hosts...]",
	Short: "Check that hosts answer over SSH",
	RunE:  runHostsTest,
}

var hostsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runHostsRemove,
}

var (
	hostPort        int
	hostDevice      string
	hostKeyPath     string
	hostConsole     bool
	hostControlPath string
	skipSSHTest     bool
)

func init() {
	rootCmd.AddCommand(hostsCmd)
	hostsCmd.AddCommand(hostsAddCmd)
	hostsCmd.AddCommand(hostsListCmd)
	hostsCmd.AddCommand(hostsTestCmd)
	hostsCmd.AddCommand(hostsRemoveCmd)

	hostsAddCmd.Flags().IntVarP(&hostPort, "port", "p", 0, "SSH port (default from inventory)")
	hostsAddCmd.Flags().StringVarP(&hostDevice, "device", "d", "", "Network device handed to wl -i")
	hostsAddCmd.Flags().StringVarP(&hostKeyPath, "key", "k", "", "SSH private key path")
	hostsAddCmd.Flags().BoolVar(&hostConsole, "console", false, "Open a console stream on this host")
	hostsAddCmd.Flags().StringVar(&hostControlPath, "control-path", "", "Multiplexing socket (default /tmp/controlmasters_<address>)")
	hostsAddCmd.Flags().BoolVar(&skipSSHTest, "skip-test", false, "Skip SSH connection test")
}

// parseTarget splits [user@]address
func parseTarget(target string) (user, address string) {
	if i := strings.LastIndex(target, "@"); i >= 0 {
		return target[:i], target[i+1:]
	}
	return "", target
}

func runHostsAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	user, address := parseTarget(args[1])

	if err := security.ValidateHostName(name); err != nil {
		return fmt.Errorf("invalid host name: %w", err)
	}

	inv, err := loadInventory()
	if err != nil {
		return fmt.Errorf("failed to load inventory: %w", err)
	}

	host := config.HostConfig{
		Name:        name,
		Address:     address,
		User:        user,
		Port:        hostPort,
		Device:      hostDevice,
		KeyPath:     hostKeyPath,
		Console:     hostConsole,
		ControlPath: hostControlPath,
	}

	if errors := config.ValidateHost("host", inv.Resolved(host)); errors.HasErrors() {
		return fmt.Errorf("invalid host configuration: %w", errors)
	}

	if err := inv.AddHost(host); err != nil {
		return err
	}

	resolved := inv.Resolved(host)
	if skipSSHTest {
		PrintInfo("Skipping SSH connection test (--skip-test)")
	} else if key, err := testAndPickKey(cmd.Context(), inv.Defaults, resolved); err != nil {
		PrintWarning("SSH connection could not be established: %v", err)
		PrintInfo("You can test the connection manually with: ssh -p %d %s@%s true", resolved.Port, resolved.User, resolved.Address)
	} else if key != "" {
		inv.Hosts[len(inv.Hosts)-1].KeyPath = key
	}

	if err := config.Save(inv, invFile); err != nil {
		return fmt.Errorf("failed to save inventory: %w", err)
	}

	PrintSuccess("Added host '%s' (%s@%s)", name, resolved.User, resolved.Address)
	return nil
}

// testAndPickKey probes h and, when that fails, tries the discovered keys.
// It returns the key that worked, "" when the configured one did.
func testAndPickKey(ctx context.Context, d config.Defaults, h config.HostConfig) (string, error) {
	PrintInfo("Testing SSH connection...")
	firstErr := probeHost(ctx, d, h)
	if firstErr == nil {
		PrintSuccess("SSH connection successful")
		return "", nil
	}
	PrintWarning("Connection failed with the configured key")

	home, err := os.UserHomeDir()
	if err != nil {
		return "", firstErr
	}
	keys, err := rexec.DiscoverKeys(filepath.Join(home, ".ssh"))
	if err != nil || len(keys) == 0 {
		return "", firstErr
	}

	if IsInteractive() {
		if key := interactiveKeySelection(ctx, d, h, keys); key != nil {
			return key.Path, nil
		}
		return "", firstErr
	}
	if key := autoTryKeys(ctx, d, h, keys); key != nil {
		return key.Path, nil
	}
	return "", firstErr
}

func interactiveKeySelection(ctx context.Context, d config.Defaults, h config.HostConfig, keys []rexec.KeyInfo) *rexec.KeyInfo {
	options := make([]string, len(keys))
	for i, key := range keys {
		options[i] = fmt.Sprintf("%s (%s)", filepath.Base(key.Path), key.Type)
		if key.IsEncrypted {
			options[i] += " [encrypted]"
		}
	}

	PrintInfo("Available SSH keys:")
	choice := PromptSelect("Select SSH key to use:", options)
	if choice < 0 {
		return nil
	}

	selected := &keys[choice]
	PrintInfo("Testing with %s...", selected.Path)
	h.KeyPath = selected.Path
	if err := probeHost(ctx, d, h); err != nil {
		PrintError("Connection failed: %v", err)
		return nil
	}
	PrintSuccess("Connection successful!")
	return selected
}

// autoTryKeys tries the unencrypted keys in preference order
func autoTryKeys(ctx context.Context, d config.Defaults, h config.HostConfig, keys []rexec.KeyInfo) *rexec.KeyInfo {
	PrintInfo("Trying available SSH keys automatically...")
	for i := range keys {
		if keys[i].IsEncrypted {
			continue
		}
		PrintVerbose("Trying %s...", keys[i].Path)
		h.KeyPath = keys[i].Path
		if probeHost(ctx, d, h) == nil {
			PrintSuccess("SSH connection successful with %s", filepath.Base(keys[i].Path))
			return &keys[i]
		}
	}
	return nil
}

// probeHost runs "true" on h with short watchdogs
func probeHost(ctx context.Context, d config.Defaults, h config.HostConfig) error {
	inv := &config.Inventory{Defaults: d, Hosts: []config.HostConfig{h}}
	noConsole := false
	f, err := openFleet(ctx, inv, nil, &noConsole)
	if err != nil {
		return err
	}
	defer shutdown(f)

	n := f.Nodes()[0]
	fut, err := n.Rexec(ctx, "true", node.WithTimeouts(session.Timeouts{
		Connect: constants.ConnectTimeout,
		Command: constants.ConnectTimeout,
	}))
	if err != nil {
		return err
	}
	return sessionError(h.Name, fut.Session())
}

func runHostsList(cmd *cobra.Command, args []string) error {
	inv, err := loadInventory()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(inv.Hosts) == 0 {
		PrintInfo("No hosts configured")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Add a host with:")
		fmt.Fprintln(out, "  sshnodes hosts add <name> <[user@]address>")
		return nil
	}

	fmt.Fprintln(out, "Configured hosts:")
	fmt.Fprintln(out)
	for _, name := range inv.HostNames() {
		h, err := inv.Host(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s\n", h.Name)
		fmt.Fprintf(out, "    Host:    %s@%s:%d\n", h.User, h.Address, h.Port)
		if h.Device != "" {
			fmt.Fprintf(out, "    Device:  %s\n", h.Device)
		}
		if h.KeyPath != "" {
			fmt.Fprintf(out, "    Key:     %s\n", h.KeyPath)
		}
		if h.Console {
			fmt.Fprintf(out, "    Console: %s\n", inv.Defaults.ConsoleCommand)
		}
		if h.ControlPath != "" {
			fmt.Fprintf(out, "    Control: %s\n", h.ControlPath)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runHostsTest(cmd *cobra.Command, args []string) error {
	inv, err := loadInventory()
	if err != nil {
		return err
	}
	hosts, err := inv.Select(args...)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		PrintInfo("No hosts configured")
		return nil
	}

	failed := 0
	for _, h := range hosts {
		if err := probeHost(cmd.Context(), inv.Defaults, h); err != nil {
			PrintError("%s: %v", h.Name, err)
			failed++
			continue
		}
		PrintSuccess("%s answers over SSH", h.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d host(s) unreachable", failed, len(hosts))
	}
	return nil
}

func runHostsRemove(cmd *cobra.Command, args []string) error {
	name := args[0]

	inv, err := loadInventory()
	if err != nil {
		return err
	}
	if _, err := inv.Host(name); err != nil {
		return err
	}

	if IsInteractive() && !PromptConfirm(fmt.Sprintf("Remove host '%s'?", name)) {
		PrintInfo("Cancelled")
		return nil
	}

	if err := inv.RemoveHost(name); err != nil {
		return err
	}
	if err := config.Save(inv, invFile); err != nil {
		return fmt.Errorf("failed to save inventory: %w", err)
	}

	PrintSuccess("Removed host '%s'", name)
	return nil
}
