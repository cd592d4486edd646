package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "termmux",
	Short: "Multiplexed PTY session server",
	Long: `termmux bridges many independent interactive shell processes to remote
clients over a single bidirectional WebSocket per client.

Each client connection carries JSON frames addressing individual terminal
sessions by id. Sessions survive transport disconnects as detached for a
configurable grace period and can be reattached from a new connection.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
