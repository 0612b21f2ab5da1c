package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"coursebuild/internal/api"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/ipc"
)

func newCheckpointCommand(ctx *commandContext) *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"cp"},
		Short:   "Review and resolve approval checkpoints",
	}

	checkpointCmd.AddCommand(newCheckpointListCommand(ctx))
	checkpointCmd.AddCommand(newCheckpointResolveCommand(ctx, "approve", checkpoint.OutcomeApproved))
	checkpointCmd.AddCommand(newCheckpointResolveCommand(ctx, "reject", checkpoint.OutcomeRejected))
	checkpointCmd.AddCommand(newCheckpointHistoryCommand(ctx))

	return checkpointCmd
}

func newCheckpointListCommand(ctx *commandContext) *cobra.Command {
	var buildID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListPending(buildID)
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Checkpoints, func() {
					checkpointTable.write(cmd.OutOrStdout(), checkpointRows(resp.Checkpoints))
				})
			})
		},
	}
	cmd.Flags().StringVarP(&buildID, "build", "b", "", "Only list checkpoints for this build")
	return cmd
}

func newCheckpointResolveCommand(ctx *commandContext, use string, outcome checkpoint.Outcome) *cobra.Command {
	var approver string
	var comments string
	var feedback string
	var changesMade bool

	cmd := &cobra.Command{
		Use:   use + " <checkpoint-id>",
		Short: fmt.Sprintf("Resolve a checkpoint as %s", outcome),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := api.ResolveRequest{
				Outcome:     string(outcome),
				Approver:    strings.TrimSpace(approver),
				Comments:    comments,
				ChangesMade: changesMade,
			}
			if decision.Approver == "" {
				return fmt.Errorf("--approver is required")
			}
			if strings.TrimSpace(feedback) != "" {
				if !json.Valid([]byte(feedback)) {
					return fmt.Errorf("--feedback must be valid JSON")
				}
				decision.Feedback = json.RawMessage(feedback)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Resolve(ipc.ResolveRequest{CheckpointID: args[0], Decision: decision})
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Checkpoint, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s %s by %s\n", resp.Checkpoint.ID, resp.Checkpoint.Outcome, resp.Checkpoint.ResolvedBy)
				})
			})
		},
	}
	cmd.Flags().StringVar(&approver, "approver", os.Getenv("USER"), "Name recorded as the resolver")
	cmd.Flags().StringVarP(&comments, "comments", "m", "", "Reviewer comments")
	cmd.Flags().StringVar(&feedback, "feedback", "", "Structured feedback as a JSON document")
	if outcome == checkpoint.OutcomeApproved {
		cmd.Flags().BoolVar(&changesMade, "changes-made", false, "Approve the latest human-edited version instead of the snapshot")
	}
	return cmd
}

func newCheckpointHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <build-id>",
		Short: "Show every checkpoint of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CheckpointHistory(args[0])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Checkpoints, func() {
					out := cmd.OutOrStdout()
					checkpointTable.write(out, checkpointRows(resp.Checkpoints))
					for _, cp := range resp.Checkpoints {
						if cp.Comments != "" {
							fmt.Fprintf(out, "%s: %s\n", cp.ID, cp.Comments)
						}
					}
				})
			})
		},
	}
}
