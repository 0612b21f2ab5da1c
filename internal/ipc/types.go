package ipc

import (
	"encoding/json"

	"coursebuild/internal/api"
	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/content"
	"coursebuild/internal/daemon"
	"coursebuild/internal/workflow"
)

// CreateBuildRequest mirrors the HTTP create body.
type CreateBuildRequest = api.CreateBuildRequest

// CreateBuildResponse contains the new build.
type CreateBuildResponse struct {
	Build *builds.Build `json:"build"`
}

// BuildRequest addresses a single build.
type BuildRequest struct {
	ID string `json:"id"`
}

// BuildStatusResponse contains the build summary.
type BuildStatusResponse struct {
	Summary workflow.StatusSummary `json:"summary"`
}

// ListBuildsRequest filters builds by status.
type ListBuildsRequest struct {
	Statuses []string `json:"statuses"`
}

// ListBuildsResponse contains builds, newest first.
type ListBuildsResponse struct {
	Builds []*builds.Build `json:"builds"`
}

// ListPendingRequest optionally narrows pending checkpoints to one build.
type ListPendingRequest struct {
	BuildID string `json:"build_id,omitempty"`
}

// CheckpointListResponse contains checkpoints.
type CheckpointListResponse struct {
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
}

// ResolveRequest resolves one checkpoint.
type ResolveRequest struct {
	CheckpointID string             `json:"checkpoint_id"`
	Decision     api.ResolveRequest `json:"decision"`
}

// ResolveResponse contains the resolved checkpoint.
type ResolveResponse struct {
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint"`
}

// ContentHistoryRequest addresses one lineage of a build.
type ContentHistoryRequest struct {
	BuildID string `json:"build_id"`
	Lineage string `json:"lineage"`
}

// ContentListResponse contains content versions.
type ContentListResponse struct {
	Items []*content.Item `json:"items"`
}

// EditContentRequest appends a human-edited version.
type EditContentRequest struct {
	BuildID string          `json:"build_id"`
	Lineage string          `json:"lineage"`
	Payload json.RawMessage `json:"payload"`
	Editor  string          `json:"editor"`
}

// EditContentResponse contains the new version.
type EditContentResponse struct {
	Item *content.Item `json:"item"`
}

// DiffContentRequest compares two versions.
type DiffContentRequest struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

// DiffContentResponse contains the key-level diff.
type DiffContentResponse struct {
	Diff *content.Diff `json:"diff"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents daemon runtime information.
type StatusResponse = daemon.Status

// TestNotificationRequest triggers a test notification.
type TestNotificationRequest struct{}

// TestNotificationResponse reports the notification result.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
