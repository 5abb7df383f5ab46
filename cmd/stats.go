package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/wstap/internal/command"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tap statistics",
	Long: `Query the wstap daemon for tap statistics.

Shows: schema readiness, frame counters, relay state, history sizes and
tracked connections.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), newClient(), cmd.OutOrStdout(), command.MethodTapStats, nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the wstap daemon for its overall status.

Shows: version, uptime, schema readiness and relay status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), newClient(), cmd.OutOrStdout(), command.MethodDaemonStatus, nil)
	},
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List tracked WebSocket connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), newClient(), cmd.OutOrStdout(), command.MethodTapConnections, nil)
	},
}
