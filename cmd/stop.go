package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/wstap/internal/command"
	"firestige.xyz/wstap/internal/daemon"
)

var (
	stopPIDFile string
	stopTimeout time.Duration
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the wstap daemon",
	Long: `Stop the wstap daemon gracefully.

This command sends daemon_shutdown via Unix Domain Socket. If the socket is
unreachable and a PID file is given, SIGTERM is sent to the recorded process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), cmd.OutOrStdout(), stopPIDFile, stopTimeout)
	},
}

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/wstap.pid",
		"PID file used when the socket is unreachable (empty disables the fallback)")
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 10*time.Second,
		"how long to wait for the process to exit after SIGTERM")
}

func runStop(ctx context.Context, client Client, out io.Writer, pidFile string, timeout time.Duration) error {
	resp, err := client.Call(ctx, command.MethodDaemonShutdown, nil)
	if err == nil {
		if resp.Error != nil {
			return fmt.Errorf("daemon_shutdown failed: %w", resp.Error)
		}
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}

	if pidFile == "" {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	fmt.Fprintf(out, "socket unreachable (%v), signalling pid from %s\n", err, pidFile)
	if err := daemon.StopByPID(pidFile, timeout); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}
