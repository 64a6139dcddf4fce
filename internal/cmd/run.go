package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/sshnodes/internal/constants"
	"github.com/yoanbernabeu/sshnodes/internal/fleet"
	"github.com/yoanbernabeu/sshnodes/internal/session"
	"github.com/yoanbernabeu/sshnodes/internal/task"
)

var runCmd = &cobra.Command{
	Use:   "run <command>",
	Short: "Run a command on every host as a batch",
	Long: `Runs a command on every selected host at the same time and waits for
the whole batch.

This command will:
- Open the console of hosts that have one and wait for them to connect
- Let the consoles settle
- Dispatch the command on every host and join the batch
- Optionally run a follow-up command on each host, one after the other
- Close the consoles

Flags go before the command.

Example:
  sshnodes run "iperf -c 10.19.87.8 -t 10"
  sshnodes run --wl --console --then "dump ampdu" status
  sshnodes run -H ap,sta --batch-timeout 2m "ping -c 5 10.19.87.1"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runHosts        []string
	runForceConsole bool
	runAsWL         bool
	runThen         string
	runSettle       time.Duration
	runOpenTimeout  time.Duration
	runBatchTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)
	addDispatchFlags(runCmd)

	runCmd.Flags().SetInterspersed(false)

	runCmd.Flags().StringSliceVarP(&runHosts, "hosts", "H", nil, "Hosts to run on (default: all)")
	runCmd.Flags().BoolVar(&runForceConsole, "console", false, "Force consoles on or off (default: per host)")
	runCmd.Flags().BoolVar(&runAsWL, "wl", false, "Treat the command as wl arguments for each host's device")
	runCmd.Flags().StringVar(&runThen, "then", "", "Follow-up command run on each host after the batch")
	runCmd.Flags().DurationVar(&runSettle, "settle", constants.ConsoleSettleDelay, "Delay between console open and the batch")
	runCmd.Flags().DurationVar(&runOpenTimeout, "open-timeout", constants.ConsoleOpenTimeout, "Bound on waiting for consoles to connect (0 waits without bound)")
	runCmd.Flags().DurationVar(&runBatchTimeout, "batch-timeout", 0, "Bound on waiting for the batch (0 waits without bound)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	command := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	inv, err := loadInventory()
	if err != nil {
		return err
	}

	var console *bool
	if cmd.Flags().Changed("console") {
		console = &runForceConsole
	}
	f, err := openFleet(ctx, inv, runHosts, console)
	if err != nil {
		return err
	}
	defer shutdown(f)

	if pending := len(f.Registry().PendingConsoles()); pending > 0 {
		PrintInfo("Opening %d console(s)...", pending)
		res := f.OpenConsoles(ctx, runOpenTimeout,
			task.WithText("consoles"), task.WithStopText("consoles"))
		if res.Abandoned() > 0 {
			PrintWarning("%d console(s) did not connect within %s", res.Abandoned(), runOpenTimeout)
		}
		if err := sleep(cmd, runSettle); err != nil {
			return err
		}
	}

	opts := dispatchOptions(cmd)
	var results []fleet.Result
	if runAsWL {
		PrintVerboseCommand("wl " + command)
		results = f.RunAllWL(ctx, command, runBatchTimeout, opts...)
	} else {
		PrintVerboseCommand(command)
		results = f.RunAll(ctx, command, runBatchTimeout, opts...)
	}

	failed := printResults(out, results)

	if runThen != "" {
		for _, n := range f.Nodes() {
			line := runThen
			if runAsWL {
				line = n.WLCommand(runThen)
			}
			PrintVerboseCommand(line)
			fut, err := n.Rexec(ctx, line, opts...)
			r := resultOf(n.Name(), fut.Session(), err)
			if printResult(out, r) {
				failed++
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%d run(s) failed", failed)
	}
	PrintSuccess("Batch completed on %d host(s)", len(results))
	return nil
}

// sleep waits d unless the command context ends first
func sleep(cmd *cobra.Command, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}

// resultOf builds a batch-style result for a synchronous dispatch
func resultOf(host string, s *session.Session, err error) fleet.Result {
	r := fleet.Result{
		Host:       host,
		Output:     s.Output(),
		Err:        err,
		Completed:  true,
		Timeout:    s.Timeout(),
		ExitStatus: s.ExitStatus(),
	}
	if err == nil {
		r.Err = s.Err()
	}
	return r
}

// printResults prints every result and returns how many failed
func printResults(w io.Writer, results []fleet.Result) int {
	failed := 0
	for _, r := range results {
		if printResult(w, r) {
			failed++
		}
	}
	return failed
}

// printResult prints one result and reports whether it failed
func printResult(w io.Writer, r fleet.Result) bool {
	status, ok := resultStatus(r)
	fmt.Fprintf(w, "== %s: %s\n", r.Host, status)
	if len(r.Output) > 0 {
		fmt.Fprint(w, string(r.Output))
		if !strings.HasSuffix(string(r.Output), "\n") {
			fmt.Fprintln(w)
		}
	}
	return !ok
}

func resultStatus(r fleet.Result) (string, bool) {
	switch {
	case !r.Completed:
		return "still running when the batch bound elapsed", false
	case r.Err != nil:
		return fmt.Sprintf("failed: %v", r.Err), false
	case r.Timeout != session.TimeoutNone:
		return fmt.Sprintf("timed out (%s)", r.Timeout), false
	case r.ExitStatus != 0:
		return fmt.Sprintf("exit %d", r.ExitStatus), false
	}
	return "ok", true
}
