package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/wstap/internal/command"
)

var (
	eventsLimit  int
	unknownLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent decoded events",
	Long: `Show the newest decoded events from the tap's history, oldest first.

Examples:
  wstap events            # everything buffered
  wstap events -n 20      # the 20 newest events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsLimit < 0 {
			return fmt.Errorf("limit must not be negative")
		}
		return runQuery(cmd.Context(), newClient(), cmd.OutOrStdout(),
			command.MethodTapEvents, command.LimitParams{Limit: eventsLimit})
	},
}

var unknownCmd = &cobra.Command{
	Use:   "unknown",
	Short: "Show recent unknown frames",
	Long:  `Show the newest frames whose message id had no schema mapping, oldest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if unknownLimit < 0 {
			return fmt.Errorf("limit must not be negative")
		}
		return runQuery(cmd.Context(), newClient(), cmd.OutOrStdout(),
			command.MethodTapUnknown, command.LimitParams{Limit: unknownLimit})
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 0, "number of newest events (0 = all)")
	unknownCmd.Flags().IntVarP(&unknownLimit, "limit", "n", 0, "number of newest frames (0 = all)")
}
