package checkpoint

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Outcome is the resolution of a checkpoint.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	// OutcomeSuperseded is recorded by the system when a build is cancelled
	// while a checkpoint is open.
	OutcomeSuperseded Outcome = "superseded"
)

// SystemResolver is the resolver identity recorded for superseded checkpoints.
const SystemResolver = "system"

// ParseOutcome accepts the decision verbs used by the CLI and API.
func ParseOutcome(value string) (Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approved", "approve":
		return OutcomeApproved, true
	case "rejected", "reject":
		return OutcomeRejected, true
	default:
		return "", false
	}
}

// Checkpoint is a gate tied to one build stage.
type Checkpoint struct {
	ID          string          `json:"id"`
	BuildID     string          `json:"build_id"`
	Stage       string          `json:"stage"`
	ContentID   string          `json:"content_id,omitempty"`
	Required    bool            `json:"required"`
	Resolved    bool            `json:"resolved"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	Outcome     Outcome         `json:"outcome,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	Comments    string          `json:"comments,omitempty"`
	Feedback    json.RawMessage `json:"feedback,omitempty"`
	ChangesMade bool            `json:"changes_made,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// Decision resolves exactly one checkpoint.
type Decision struct {
	Outcome  Outcome         `json:"outcome"`
	Approver string          `json:"approver"`
	Comments string          `json:"comments,omitempty"`
	Feedback json.RawMessage `json:"feedback,omitempty"`
	// ChangesMade records that the approver edited the content before deciding.
	ChangesMade bool `json:"changes_made,omitempty"`
}

// OpenRequest describes a checkpoint to open.
type OpenRequest struct {
	BuildID   string
	Stage     string
	ContentID string
	Snapshot  json.RawMessage
	Required  bool
}

// Repository is the persistence boundary for checkpoints.
type Repository interface {
	// InsertCheckpoint stores an unresolved checkpoint. It returns
	// services.ErrConflict when the build already has one.
	InsertCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ResolveCheckpoint applies the resolution only if the checkpoint is still
	// unresolved. It returns services.ErrConflict when another resolver won
	// and services.ErrNotFound when the id is unknown.
	ResolveCheckpoint(ctx context.Context, cp *Checkpoint) error
	OpenCheckpoint(ctx context.Context, buildID string) (*Checkpoint, error)
	ListPendingCheckpoints(ctx context.Context, buildID string) ([]*Checkpoint, error)
	ListResolvedCheckpoints(ctx context.Context, buildID string) ([]*Checkpoint, error)
}
