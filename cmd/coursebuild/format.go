package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/content"
	"coursebuild/internal/workflow"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

var buildTable = tableSpec{
	Headers: []string{"ID", "Title", "Status", "Stage", "Updated"},
	Empty:   "No builds",
}

func buildRows(items []*builds.Build) [][]string {
	rows := make([][]string, 0, len(items))
	for _, b := range items {
		rows = append(rows, []string{b.ID, b.Title, string(b.Status), orDash(b.CurrentStage.Label()), formatTime(b.UpdatedAt)})
	}
	return rows
}

var checkpointTable = tableSpec{
	Headers: []string{"ID", "Build", "Stage", "Outcome", "Resolved By", "Created", "Resolved"},
	Empty:   "No checkpoints",
}

func checkpointRows(items []*checkpoint.Checkpoint) [][]string {
	rows := make([][]string, 0, len(items))
	for _, cp := range items {
		outcome := string(cp.Outcome)
		if !cp.Resolved {
			outcome = "pending"
		}
		rows = append(rows, []string{cp.ID, cp.BuildID, cp.Stage, outcome, orDash(cp.ResolvedBy), formatTime(cp.CreatedAt), formatOptionalTime(cp.ResolvedAt)})
	}
	return rows
}

var contentTable = tableSpec{
	Headers: []string{"ID", "Lineage", "Version", "Provenance", "Author", "Approved", "Created"},
	Aligns:  []columnAlignment{alignLeft, alignLeft, alignRight},
	Empty:   "No content",
}

func contentRows(items []*content.Item) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.Lineage,
			strconv.Itoa(item.Version),
			string(item.Provenance),
			orDash(item.Author),
			yesNo(item.Approved),
			formatTime(item.CreatedAt),
		})
	}
	return rows
}

func writeSummary(out io.Writer, summary workflow.StatusSummary) {
	b := summary.Build
	if b == nil {
		fmt.Fprintln(out, "Build not found")
		return
	}
	fmt.Fprintf(out, "ID:        %s\n", b.ID)
	fmt.Fprintf(out, "Title:     %s\n", b.Title)
	fmt.Fprintf(out, "Status:    %s\n", b.Status)
	if b.PausedFrom != "" {
		fmt.Fprintf(out, "Paused:    from %s\n", b.PausedFrom)
	}
	fmt.Fprintf(out, "Stage:     %s\n", orDash(b.CurrentStage.Label()))
	stages := make([]string, 0, len(b.Pipeline.Steps))
	for _, step := range b.Pipeline.Steps {
		label := string(step.Stage)
		if step.RequiresApproval {
			label += "*"
		}
		stages = append(stages, label)
	}
	fmt.Fprintf(out, "Pipeline:  %s\n", strings.Join(stages, " > "))
	if len(b.Config) > 0 {
		keys := make([]string, 0, len(b.Config))
		for k := range b.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "Config:    %s=%s\n", k, b.Config[k])
		}
	}
	if summary.Executing {
		fmt.Fprintln(out, "Executing: yes")
	}
	if summary.PausePending {
		fmt.Fprintln(out, "Pause:     pending until the running stage finishes")
	}
	if summary.Pending != nil {
		fmt.Fprintf(out, "Awaiting:  checkpoint %s (%s)\n", summary.Pending.ID, summary.Pending.Stage)
	}
	if b.FailureReason != "" {
		fmt.Fprintf(out, "Failure:   %s\n", b.FailureReason)
	} else if summary.LastError != "" {
		fmt.Fprintf(out, "Error:     %s\n", summary.LastError)
	}
	fmt.Fprintf(out, "Created:   %s\n", formatTime(b.CreatedAt))
	fmt.Fprintf(out, "Updated:   %s\n", formatTime(b.UpdatedAt))
}

func writeDiff(out io.Writer, diff *content.Diff) {
	fmt.Fprintf(out, "Diff v%d (%s) -> v%d (%s)\n", diff.FromVersion, diff.FromID, diff.ToVersion, diff.ToID)
	if len(diff.Added) == 0 && len(diff.Removed) == 0 && len(diff.Modified) == 0 {
		fmt.Fprintln(out, "No changes")
		return
	}
	for _, key := range sortedKeys(diff.Added) {
		fmt.Fprintf(out, "+ %s: %s\n", key, diff.Added[key])
	}
	for _, key := range sortedKeys(diff.Removed) {
		fmt.Fprintf(out, "- %s: %s\n", key, diff.Removed[key])
	}
	for _, change := range diff.Modified {
		fmt.Fprintf(out, "~ %s: %s -> %s\n", change.Key, change.Old, change.New)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
