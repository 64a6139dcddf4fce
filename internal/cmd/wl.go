package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/sshnodes/internal/node"
)

var wlCmd = &cobra.Command{
	Use:   "wl <host> [args...]",
	Short: "Run the wireless utility on a host's device",
	Long: `Runs /usr/bin/wl on the host, bound to the host's device with -i.

Example:
  sshnodes wl ap status
  sshnodes wl --timeout 5s sta dump ampdu`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWL,
}

func init() {
	rootCmd.AddCommand(wlCmd)
	addDispatchFlags(wlCmd)
	wlCmd.Flags().SetInterspersed(false)
}

func runWL(cmd *cobra.Command, args []string) error {
	wlArgs := strings.Join(args[1:], " ")
	return execOnHost(cmd, args[0], strings.TrimSpace("wl "+wlArgs), func(n *node.Node) string {
		return n.WLCommand(wlArgs)
	})
}
