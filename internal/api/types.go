package api

import (
	"encoding/json"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/content"
	"coursebuild/internal/services"
	"coursebuild/internal/stage"
)

// CreateBuildRequest is the body of POST /api/builds.
type CreateBuildRequest struct {
	Title  string            `json:"title" validate:"required,max=200"`
	Config map[string]string `json:"config,omitempty" validate:"omitempty,dive,keys,required,endkeys"`
	// Stages overrides the default pipeline. Approval names the subset of
	// Stages that open a checkpoint.
	Stages     []string `json:"stages,omitempty" validate:"omitempty,unique,dive,required"`
	Approval   []string `json:"approval,omitempty" validate:"omitempty,dive,required"`
	DeferStart bool     `json:"defer_start,omitempty"`
}

// ResolveRequest is the body of POST /api/checkpoints/{id}/resolve.
type ResolveRequest struct {
	Outcome     string          `json:"outcome" validate:"required,oneof=approve approved reject rejected"`
	Approver    string          `json:"approver" validate:"required"`
	Comments    string          `json:"comments,omitempty"`
	Feedback    json.RawMessage `json:"feedback,omitempty"`
	ChangesMade bool            `json:"changes_made,omitempty"`
}

// EditContentRequest is the body of PUT /api/builds/{id}/content/{lineage}.
type EditContentRequest struct {
	Payload json.RawMessage `json:"payload" validate:"required"`
	Editor  string          `json:"editor" validate:"required"`
}

// BuildListResponse wraps GET /api/builds.
type BuildListResponse struct {
	Builds []*builds.Build `json:"builds"`
}

// CheckpointListResponse wraps checkpoint listings.
type CheckpointListResponse struct {
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
}

// ContentListResponse wraps content listings.
type ContentListResponse struct {
	Items []*content.Item `json:"items"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status   string       `json:"status"`
	Executor stage.Health `json:"executor"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error services.Detail `json:"error"`
}
