package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"coursebuild/internal/config"
	"coursebuild/internal/daemonctl"
)

const (
	daemonStartTimeout = 10 * time.Second
	daemonStopGrace    = 10 * time.Second
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start or stop coursebuildd",
	}

	var logLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Launch coursebuildd in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := daemonctl.ResolveDaemonBinary()
			if err != nil {
				return err
			}
			opts := daemonctl.LaunchOptions{LogLevel: logLevel}
			if path := ctx.configPath(); path != "" {
				expanded, err := config.ExpandPath(path)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				opts.ConfigPath = expanded
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, opts, daemonStartTimeout)
			if err != nil {
				return err
			}
			return emit(ctx, cmd, result, func() {
				out := cmd.OutOrStdout()
				switch result.State {
				case daemonctl.StartStateAlreadyRunning:
					fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
				default:
					fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
				}
			})
		},
	}
	startCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop coursebuildd",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			result, err := daemonctl.Stop(ctx.socketPath(), daemonStopGrace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon (pid %d) did not exit in %s and was killed\n", result.PID, daemonStopGrace)
				return nil
			}
			fmt.Fprintln(out, "Daemon stopped")
			return nil
		},
	}

	daemonCmd.AddCommand(startCmd, stopCmd)
	return daemonCmd
}
