// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/wstap/internal/daemon"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wstap",
	Short: "wstap - transparent WebSocket traffic tap",
	Long: `wstap observes WebSocket traffic without altering it. Inbound binary frames
are decoded against protobuf schemas, kept in bounded history, published on
an in-process event bus and relayed to a collector.

Features:
  - Dual framing: length-prefixed frames and wrapper envelopes
  - Bridge proxy: tap any client by pointing it at the local listener
  - Relay: reconnecting collector link with an offline queue
  - Remote control: Kafka command subscription
  - Local control: CLI via Unix Domain Socket`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/wstap/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/wstap.sock",
		"daemon socket path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(unknownCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(sendActionCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
}
