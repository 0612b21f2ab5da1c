package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"coursebuild/internal/config"
	"coursebuild/internal/ipc"
)

func newContentCommand(ctx *commandContext) *cobra.Command {
	contentCmd := &cobra.Command{
		Use:   "content",
		Short: "Inspect and edit generated course content",
	}

	contentCmd.AddCommand(newContentListCommand(ctx))
	contentCmd.AddCommand(newContentHistoryCommand(ctx))
	contentCmd.AddCommand(newContentEditCommand(ctx))
	contentCmd.AddCommand(newContentDiffCommand(ctx))

	return contentCmd
}

func newContentListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <build-id>",
		Short: "List the latest version of each content lineage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListContent(args[0])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Items, func() {
					contentTable.write(cmd.OutOrStdout(), contentRows(resp.Items))
				})
			})
		},
	}
}

func newContentHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <build-id> <lineage>",
		Short: "List every version of a content lineage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ContentHistory(args[0], args[1])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Items, func() {
					contentTable.write(cmd.OutOrStdout(), contentRows(resp.Items))
				})
			})
		},
	}
}

func newContentEditCommand(ctx *commandContext) *cobra.Command {
	var file string
	var editor string

	cmd := &cobra.Command{
		Use:   "edit <build-id> <lineage>",
		Short: "Store a human-edited version of a content lineage",
		Long:  "Reads a JSON document from --file (or stdin when --file is -) and appends it as the next version.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(editor) == "" {
				return errors.New("--editor is required")
			}
			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.EditContent(args[0], args[1], payload, editor)
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Item, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Stored %s v%d (%s)\n", resp.Item.Lineage, resp.Item.Version, resp.Item.ID)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON payload file, - for stdin")
	cmd.Flags().StringVar(&editor, "editor", os.Getenv("USER"), "Name recorded as the author")
	return cmd
}

func readPayload(stdin io.Reader, file string) (json.RawMessage, error) {
	var data []byte
	var err error
	if strings.TrimSpace(file) == "" || file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		var path string
		path, err = config.ExpandPath(file)
		if err == nil {
			data, err = os.ReadFile(path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newContentDiffCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <from-id> <to-id>",
		Short: "Show key-level differences between two versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DiffContent(args[0], args[1])
				if err != nil {
					return err
				}
				return emit(ctx, cmd, resp.Diff, func() {
					writeDiff(cmd.OutOrStdout(), resp.Diff)
				})
			})
		},
	}
}
