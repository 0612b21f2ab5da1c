package workflow

import (
	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
)

// StatusSummary is a point-in-time view of one build.
type StatusSummary struct {
	Build   *builds.Build          `json:"build"`
	Pending *checkpoint.Checkpoint `json:"pending,omitempty"`
	// Executing is set while a stage executor call is outstanding.
	Executing bool `json:"executing"`
	// PausePending is set when a pause was requested during execution and
	// takes effect once the stage result is recorded.
	PausePending bool   `json:"pause_pending,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}
