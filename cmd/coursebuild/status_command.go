package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"coursebuild/internal/builds"
	"coursebuild/internal/daemonctl"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, preflight, and build status",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), ctx.configValue())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, snap)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			status := snap.Daemon

			writeSection(out, "Daemon", colorize)
			if snap.Reachable {
				detail := fmt.Sprintf("pid %d", status.PID)
				if status.StartedAt != nil {
					detail += ", since " + formatTime(*status.StartedAt)
				}
				fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, detail, colorize))
				executorKind := passFail(status.Executor.Ready)
				fmt.Fprintln(out, renderStatusLine("Executor", executorKind, joinDetail(status.Executor.Name, status.Executor.Detail), colorize))
				if status.APIBind != "" {
					fmt.Fprintln(out, renderStatusLine("API", statusInfo, status.APIBind, colorize))
				}
				if status.LastError != "" {
					fmt.Fprintln(out, renderStatusLine("Last error", statusWarn, status.LastError, colorize))
				}
			} else {
				fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "not running", colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Socket", statusInfo, status.SocketPath, colorize))
			fmt.Fprintln(out, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))
			fmt.Fprintln(out)

			writeSection(out, "Preflight", colorize)
			for _, result := range snap.Preflight {
				fmt.Fprintln(out, renderStatusLine(result.Name, passFail(result.Passed), result.Detail, colorize))
			}
			fmt.Fprintln(out)

			writeSection(out, "Builds", colorize)
			rows := make([][]string, 0, len(status.BuildCounts))
			for _, s := range builds.AllStatuses() {
				if count := status.BuildCounts[string(s)]; count > 0 {
					rows = append(rows, []string{string(s), strconv.Itoa(count)})
				}
			}
			if snap.Reachable {
				rows = append(rows, []string{"pending checkpoints", strconv.Itoa(status.PendingCheckpoints)})
			}
			tableSpec{
				Headers: []string{"Status", "Count"},
				Aligns:  []columnAlignment{alignLeft, alignRight},
				Empty:   "No builds",
			}.write(out, rows)
			return nil
		},
	}
}

func joinDetail(name, detail string) string {
	if detail == "" {
		return name
	}
	return name + ": " + detail
}
