package preflight

import (
	"context"
	"log/slog"
	"strings"

	"coursebuild/internal/config"
	"coursebuild/internal/logging"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Run executes all applicable preflight checks for the given config.
// Remote checks are only run when the corresponding feature is configured.
func Run(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckPipelineFile(cfg.Paths.PipelineFile),
	}

	if cfg.Workflow.Executor == config.ExecutorLLM {
		results = append(results, CheckLLM(ctx, "Stage LLM", cfg.GetLLM()))
	}

	if topic := strings.TrimSpace(cfg.Notifications.NtfyTopic); topic != "" {
		results = append(results, CheckNtfy(ctx, topic))
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// LogResults writes one line per check. Failures are logged as warnings
// because the daemon keeps running with degraded capability.
func LogResults(logger *slog.Logger, results []Result) {
	if logger == nil {
		return
	}
	for _, r := range results {
		if r.Passed {
			logger.Info("preflight check passed",
				logging.String(logging.FieldEventType, "preflight_passed"),
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
			)
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "run coursebuild status for details"),
			logging.String(logging.FieldImpact, "builds depending on this check may fail"),
		)
	}
}
