package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "rd.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rd",
		Short: "Reply dispatch: confidence-gated auto-send and review",
		Long: "rd gates drafted replies on confidence and workspace policy, schedules " +
			"auto-sends, dispatches them through provider adapters and manages the review queue.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newReviewCmd())
	cmd.AddCommand(newMessageCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newConnectionsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rd %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
