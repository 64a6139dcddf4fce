package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/sshnodes/internal/node"
	"github.com/yoanbernabeu/sshnodes/internal/session"
)

var execCmd = &cobra.Command{
	Use:   "exec <host> <command>",
	Short: "Run a command on one host",
	Long: `Runs a command on a host of the inventory and prints its output.

The command is bounded by the inventory watchdogs and by the dispatch
wait. Flags override them for this run and go before the host.

Example:
  sshnodes exec ap uname -a
  sshnodes exec --timeout 90s --wait 0 sta iperf -c 10.19.87.7 -t 60`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

var dispatchFlags struct {
	connect time.Duration
	command time.Duration
	idle    time.Duration
	wait    time.Duration
}

func init() {
	rootCmd.AddCommand(execCmd)
	addDispatchFlags(execCmd)
	execCmd.Flags().SetInterspersed(false)
}

// addDispatchFlags registers the per-run watchdog overrides on c
func addDispatchFlags(c *cobra.Command) {
	c.Flags().DurationVar(&dispatchFlags.connect, "connect-timeout", 0, "Connect watchdog (0 disables)")
	c.Flags().DurationVar(&dispatchFlags.command, "timeout", 0, "Command watchdog (0 disables)")
	c.Flags().DurationVar(&dispatchFlags.idle, "idle-timeout", 0, "I/O idle watchdog (0 disables)")
	c.Flags().DurationVar(&dispatchFlags.wait, "wait", 0, "Dispatch wait bound (0 waits without bound)")
}

// dispatchOptions turns the flags set on c into dispatch options
func dispatchOptions(c *cobra.Command) []node.DispatchOption {
	var opts []node.DispatchOption
	if c.Flags().Changed("connect-timeout") {
		opts = append(opts, node.WithConnectTimeout(dispatchFlags.connect))
	}
	if c.Flags().Changed("timeout") {
		opts = append(opts, node.WithCommandTimeout(dispatchFlags.command))
	}
	if c.Flags().Changed("idle-timeout") {
		opts = append(opts, node.WithIOIdleTimeout(dispatchFlags.idle))
	}
	if c.Flags().Changed("wait") {
		opts = append(opts, node.WithWait(dispatchFlags.wait))
	}
	return opts
}

func runExec(cmd *cobra.Command, args []string) error {
	command := strings.Join(args[1:], " ")
	return execOnHost(cmd, args[0], command, func(*node.Node) string { return command })
}

// execOnHost runs the command built by command on host and prints the output
func execOnHost(cmd *cobra.Command, host, display string, command func(*node.Node) string) error {
	inv, err := loadInventory()
	if err != nil {
		return err
	}

	noConsole := false
	f, err := openFleet(cmd.Context(), inv, []string{host}, &noConsole)
	if err != nil {
		return err
	}
	defer shutdown(f)

	n, err := f.Node(host)
	if err != nil {
		return err
	}

	line := command(n)
	PrintVerboseCommand(line)
	fut, err := n.Rexec(cmd.Context(), line, dispatchOptions(cmd)...)
	s := fut.Session()
	if _, werr := cmd.OutOrStdout().Write(s.Output()); werr != nil {
		return fmt.Errorf("failed to write output: %w", werr)
	}
	if err != nil {
		return fmt.Errorf("'%s' failed on %s: %w", display, host, err)
	}
	return sessionError(host, s)
}

// sessionError reports a watchdog timeout or a non-zero exit status
func sessionError(host string, s *session.Session) error {
	if err := s.TimeoutErr(); err != nil {
		return fmt.Errorf("%s: %w", host, err)
	}
	if status := s.ExitStatus(); status != 0 {
		return fmt.Errorf("%s: command exited with status %d", host, status)
	}
	return nil
}
