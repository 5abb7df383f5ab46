package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/wstap/internal/command"
)

var sendActionCoin int64

var sendActionCmd = &cobra.Command{
	Use:   "send-action <room-id> <action>",
	Short: "Inject an action message on a tracked connection",
	Long: `Encode an action request and send it on the first open tracked
connection whose endpoint is not a local address.

Examples:
  wstap send-action 7001 like
  wstap send-action 7001 gift --coin 10`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := command.SendActionParams{RoomID: args[0], Action: args[1], Coin: sendActionCoin}
		return runSendAction(cmd.Context(), newClient(), cmd.OutOrStdout(), params)
	},
}

func init() {
	sendActionCmd.Flags().Int64Var(&sendActionCoin, "coin", 0, "coin amount carried by the action")
}

func runSendAction(ctx context.Context, client Client, out io.Writer, params command.SendActionParams) error {
	result, err := call(ctx, client, command.MethodTapSendAction, params)
	if err != nil {
		return err
	}
	endpoint := ""
	if m, ok := result.(map[string]any); ok {
		endpoint, _ = m["endpoint"].(string)
	}
	fmt.Fprintf(out, "✓ Action %q sent to room %s via %s\n", params.Action, params.RoomID, endpoint)
	return nil
}
