package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agentqueue",
		Short:         "Agent task queue CLI",
		Long:          "agentqueue dispatches tasks to agent workers over Redis Streams and keeps them moving: retries, stale reclaim and the dead letter queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default: ./agentqueue.toml, then ~/.config/agentqueue/config.toml)")

	rootCmd.AddCommand(
		newStatsCmd(),
		newDispatchCmd(),
		newResultsCmd(),
		newAwaitCmd(),
		newDLQCmd(),
		newDrainCmd(),
		newMonitorCmd(),
		newPendingCmd(),
		newWorkerCmd(),
		newReclaimerCmd(),
		newArchiveCmd(),
	)
	return rootCmd
}
