// Package cli wires the cobra command tree: `serve` runs the proxy,
// `check` exercises every configured host's start/stop cycle once.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hiberproxy",
	Short: "A host-routed reverse proxy that starts backends on demand and stops them when idle",
	Long: `hiberproxy fronts one or more web applications behind a single HTTP/HTTPS
listener. Each backend is started on its first request and stopped after an
idle period, so machines that would otherwise run dozens of always-on
services only run the ones currently in use.`,
}

// ExecuteContext runs the root command with ctx threaded through to
// whichever subcommand is invoked, so Ctrl-C/SIGTERM cancels cleanly.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}
