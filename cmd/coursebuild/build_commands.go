package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"coursebuild/internal/ipc"
)

func newBuildCommand(ctx *commandContext) *cobra.Command {
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Create and control course builds",
	}

	buildCmd.AddCommand(newBuildCreateCommand(ctx))
	buildCmd.AddCommand(newBuildListCommand(ctx))
	buildCmd.AddCommand(newBuildShowCommand(ctx))
	buildCmd.AddCommand(newBuildControlCommand(ctx, "pause", "Pause a build at the next stage boundary", (*ipc.Client).Pause))
	buildCmd.AddCommand(newBuildControlCommand(ctx, "resume", "Resume a paused build", (*ipc.Client).Resume))
	buildCmd.AddCommand(newBuildControlCommand(ctx, "cancel", "Cancel a build", (*ipc.Client).Cancel))

	return buildCmd
}

func newBuildCreateCommand(ctx *commandContext) *cobra.Command {
	var stages []string
	var approval []string
	var settings []string
	var deferStart bool

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a course build",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := parseSettings(settings)
			if err != nil {
				return err
			}
			req := ipc.CreateBuildRequest{
				Title:      strings.Join(args, " "),
				Config:     config,
				Stages:     stages,
				Approval:   approval,
				DeferStart: deferStart,
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CreateBuild(req)
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Build, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Created build %s (%s)\n", resp.Build.ID, resp.Build.Status)
				})
			})
		},
	}

	cmd.Flags().StringSliceVar(&stages, "stage", nil, "Pipeline stage in order (repeatable; default pipeline when omitted)")
	cmd.Flags().StringSliceVar(&approval, "approve", nil, "Stage that requires human approval (repeatable; requires --stage)")
	cmd.Flags().StringArrayVar(&settings, "set", nil, "Build configuration as key=value (repeatable)")
	cmd.Flags().BoolVar(&deferStart, "defer", false, "Create the build without starting it")
	return cmd
}

func parseSettings(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", raw)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func newBuildListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListBuilds(statuses)
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Builds, func() {
					buildTable.write(cmd.OutOrStdout(), buildRows(resp.Builds))
				})
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable or comma separated)")
	return cmd
}

func newBuildShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show build status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.BuildStatus(args[0])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Summary, func() {
					writeSummary(cmd.OutOrStdout(), resp.Summary)
				})
			})
		},
	}
}

type controlFunc func(*ipc.Client, string) (*ipc.BuildStatusResponse, error)

func newBuildControlCommand(ctx *commandContext, use, short string, fn controlFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := fn(client, args[0])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Summary, func() {
					out := cmd.OutOrStdout()
					status := "unknown"
					if resp.Summary.Build != nil {
						status = string(resp.Summary.Build.Status)
					}
					fmt.Fprintf(out, "Build %s: %s\n", args[0], status)
					if resp.Summary.PausePending {
						fmt.Fprintln(out, "Pause takes effect when the running stage finishes")
					}
				})
			})
		},
	}
}
