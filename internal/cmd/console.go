package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/sshnodes/internal/constants"
	"github.com/yoanbernabeu/sshnodes/internal/task"
)

var consoleCmd = &cobra.Command{
	Use:   "console [hosts...]",
	Short: "Stream the console of hosts until interrupted",
	Long: `Opens the console stream (dmesg -w unless the inventory sets
console_command) on the given hosts, or on every host, and logs each line
until Ctrl-C or until every stream ends.

Example:
  sshnodes console
  sshnodes console ap sta --for 5m --log-file node.log`,
	RunE: runConsole,
}

var (
	consoleOpenTimeout time.Duration
	consoleFor         time.Duration
)

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().DurationVar(&consoleOpenTimeout, "open-timeout", constants.ConsoleOpenTimeout, "Bound on waiting for consoles to connect (0 waits without bound)")
	consoleCmd.Flags().DurationVar(&consoleFor, "for", 0, "Stop streaming after this long (0 streams until interrupted)")
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	inv, err := loadInventory()
	if err != nil {
		return err
	}

	on := true
	f, err := openFleet(ctx, inv, args, &on)
	if err != nil {
		return err
	}
	defer shutdown(f)

	res := f.OpenConsoles(ctx, consoleOpenTimeout,
		task.WithText("consoles"), task.WithStopText("consoles"))
	if res.Abandoned() > 0 {
		PrintWarning("%d console(s) did not connect within %s", res.Abandoned(), consoleOpenTimeout)
	}
	PrintInfo("Streaming %d console(s), press Ctrl-C to stop", res.Total)

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for _, n := range f.Nodes() {
			<-n.Console().Closed()
		}
	}()

	var stop <-chan time.Time
	if consoleFor > 0 {
		t := time.NewTimer(consoleFor)
		defer t.Stop()
		stop = t.C
	}

	select {
	case <-ctx.Done():
		PrintInfo("Interrupted, closing consoles...")
		return nil
	case <-stop:
	case <-ended:
		PrintWarning("Every console stream ended")
	}

	for _, n := range f.Nodes() {
		if err := n.Console().Err(); err != nil {
			PrintError("Console on %s: %v", n.Name(), err)
		}
	}
	return nil
}
