package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yoanbernabeu/sshnodes/internal/config"
	"github.com/yoanbernabeu/sshnodes/internal/constants"
	"github.com/yoanbernabeu/sshnodes/internal/fleet"
	"github.com/yoanbernabeu/sshnodes/internal/logging"
	"github.com/yoanbernabeu/sshnodes/internal/security"
)

var (
	// Version is set at build time
	Version = "dev"

	// Global flags
	verbose   bool
	invFile   string
	logFormat string
	logLevel  string
	logFile   string
	transport string
	yesFlag   bool // CI/CD: skip confirmations
)

// Replaced in tests to script the remote side.
var newLauncher = fleet.NewLauncher

var (
	logger    = logging.Discard()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "sshnodes",
	Short: "Drive a fleet of remote test devices over SSH",
	Long: `sshnodes runs shell commands on lab devices over SSH. Each host can keep
a live console stream (dmesg -w by default) open while one-shot commands are
dispatched, either waited on one by one or fired on every host and joined
as a batch.

Quick start:
  sshnodes hosts add ap root@10.19.87.7 --device wl0 --console
  sshnodes exec ap uname -a
  sshnodes run --console "iperf -c 10.19.87.8 -t 10"

Commands:
  hosts         Manage the host inventory
  exec          Run a command on one host
  run           Run a command on every host as a batch
  console       Stream the console of hosts until interrupted
  wl            Run the wireless utility on a host's device

Environment Variables:
  SSHNODES_INVENTORY   Inventory file
  SSHNODES_TRANSPORT   openssh or native
  SSHNODES_LOG_FORMAT  auto, text or json
  SSHNODES_LOG_LEVEL   debug, info, warn or error
  SSHNODES_SSH_KEY     SSH private key content (native transport)
  SSHNODES_KNOWN_HOSTS known_hosts content (native transport)`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so running sessions are torn down.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer closeLog()
	return rootCmd.ExecuteContext(ctx)
}

// GetRootCmd returns the root command for documentation generation
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&invFile, "inventory", "i", "", "Inventory file (default: ~/.config/sshnodes/inventory.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed logs")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", string(logging.FormatAuto), "Log format: auto, text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides --verbose)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "SSH transport: openssh or native (default from inventory)")
	rootCmd.PersistentFlags().BoolVarP(&yesFlag, "yes", "y", false, "Skip confirmations (CI/CD mode)")

	bindConfig()

	cobra.OnInitialize(loadFlagsFromEnv)

	rootCmd.SetVersionTemplate(`sshnodes {{.Version}}
`)
}

// bindConfig binds the global flags and SSHNODES_* variables through viper
func bindConfig() {
	for _, name := range []string{"inventory", "verbose", "log-format", "log-level", "log-file", "transport", "yes"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	viper.SetEnvPrefix(constants.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadFlagsFromEnv pulls SSHNODES_* overrides into the flag variables.
// Flags given on the command line still win.
func loadFlagsFromEnv() {
	if v := viper.GetString("inventory"); v != "" {
		invFile = v
	}
	if v := viper.GetString("log-format"); v != "" {
		logFormat = v
	}
	if v := viper.GetString("log-level"); v != "" {
		logLevel = v
	}
	if v := viper.GetString("log-file"); v != "" {
		logFile = v
	}
	if v := viper.GetString("transport"); v != "" {
		transport = v
	}
	if viper.IsSet("verbose") {
		verbose = viper.GetBool("verbose")
	}
	if viper.IsSet("yes") {
		yesFlag = viper.GetBool("yes")
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	closeLog()

	var w io.Writer = cmd.ErrOrStderr()
	if logFile != "" {
		// SECURITY: Use 0600, logs carry host addresses and command lines
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		logCloser = f
	}

	l, err := logging.New(w, logging.Options{
		Format:  logging.Format(logFormat),
		Verbose: verbose,
		Level:   logLevel,
	})
	if err != nil {
		closeLog()
		return err
	}
	logger = l
	return nil
}

func closeLog() {
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

// IsYesMode returns true if --yes flag is set (CI/CD mode)
func IsYesMode() bool {
	return yesFlag
}

// loadInventory reads the inventory and applies the --transport override
func loadInventory() (*config.Inventory, error) {
	inv, err := config.Load(invFile)
	if err != nil {
		return nil, err
	}
	if transport != "" {
		inv.Defaults.Transport = transport
	}
	return inv, nil
}

// openFleet builds a fleet for hosts using the configured transport
func openFleet(ctx context.Context, inv *config.Inventory, hosts []string, console *bool) (*fleet.Fleet, error) {
	l, err := newLauncher(inv.Defaults)
	if err != nil {
		return nil, err
	}
	return fleet.New(ctx, inv, fleet.Options{
		Launcher: l,
		Logger:   logger,
		Hosts:    hosts,
		Console:  console,
	})
}

// shutdown releases f and reports teardown problems as warnings
func shutdown(f *fleet.Fleet) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ConnectTimeout)
	defer cancel()
	if err := f.Shutdown(ctx); err != nil {
		PrintWarning("Shutdown incomplete: %v", err)
	}
}

// PrintError prints a formatted error message
func PrintError(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "❌ "+msg+"\n", args...)
}

// PrintSuccess prints a success message
func PrintSuccess(msg string, args ...interface{}) {
	fmt.Printf("✅ "+msg+"\n", args...)
}

// PrintInfo prints an info message
func PrintInfo(msg string, args ...interface{}) {
	fmt.Printf("ℹ️  "+msg+"\n", args...)
}

// PrintWarning prints a warning message
func PrintWarning(msg string, args ...interface{}) {
	fmt.Printf("⚠️  "+msg+"\n", args...)
}

// PrintVerbose prints a message only in verbose mode
func PrintVerbose(msg string, args ...interface{}) {
	if verbose {
		fmt.Printf("   "+msg+"\n", args...)
	}
}

// PrintVerboseCommand prints a command in verbose mode with sensitive values masked
func PrintVerboseCommand(command string) {
	if verbose {
		fmt.Printf("   Running: %s\n", security.SanitizeCommandForLog(command))
	}
}
