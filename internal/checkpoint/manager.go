package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"coursebuild/internal/logging"
	"coursebuild/internal/services"
)

// Manager creates, looks up, and resolves checkpoints.
type Manager struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewManager constructs a checkpoint manager over repo.
func NewManager(repo Repository, logger *slog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		logger: logging.NewComponentLogger(logger, "checkpoint"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open records a new unresolved checkpoint. It fails with a conflict error when
// the build already has an unresolved checkpoint.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Checkpoint, error) {
	req.BuildID = strings.TrimSpace(req.BuildID)
	req.Stage = strings.TrimSpace(req.Stage)
	if req.BuildID == "" || req.Stage == "" {
		return nil, services.Wrap(services.ErrValidation, "checkpoint", "open", "build id and stage are required", nil)
	}
	if len(req.Snapshot) > 0 && !json.Valid(req.Snapshot) {
		return nil, services.Wrap(services.ErrValidation, "checkpoint", "open", "snapshot must be valid JSON", nil)
	}
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		BuildID:   req.BuildID,
		Stage:     req.Stage,
		ContentID: req.ContentID,
		Required:  req.Required,
		Snapshot:  append(json.RawMessage(nil), req.Snapshot...),
		CreatedAt: m.now(),
	}
	if err := m.repo.InsertCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	logging.WithContext(ctx, m.logger).Info("checkpoint opened",
		logging.String(logging.FieldEventType, "checkpoint_opened"),
		logging.String(logging.FieldBuildID, cp.BuildID),
		logging.String(logging.FieldStage, cp.Stage),
		logging.String(logging.FieldCheckpointID, cp.ID),
	)
	return cp, nil
}

// ValidateDecision checks a human decision before anything is persisted.
func ValidateDecision(decision Decision) error {
	switch decision.Outcome {
	case OutcomeApproved, OutcomeRejected:
	default:
		return services.Wrap(services.ErrValidation, "checkpoint", "resolve",
			fmt.Sprintf("outcome must be %q or %q", OutcomeApproved, OutcomeRejected), nil)
	}
	if strings.TrimSpace(decision.Approver) == "" {
		return services.Wrap(services.ErrValidation, "checkpoint", "resolve", "approver is required", nil)
	}
	if len(decision.Feedback) > 0 && !json.Valid(decision.Feedback) {
		return services.Wrap(services.ErrValidation, "checkpoint", "resolve", "feedback must be valid JSON", nil)
	}
	return nil
}

// Resolve applies decision to the checkpoint. Exactly one of several concurrent
// callers succeeds; the others receive a conflict error. Unknown ids yield a
// not-found error.
func (m *Manager) Resolve(ctx context.Context, id string, decision Decision) (*Checkpoint, error) {
	if err := ValidateDecision(decision); err != nil {
		return nil, err
	}
	return m.resolve(ctx, id, decision)
}

// Supersede resolves the build's open checkpoint, if any, with the system
// "superseded" outcome. It returns the superseded checkpoint or nil.
func (m *Manager) Supersede(ctx context.Context, buildID, reason string) (*Checkpoint, error) {
	open, err := m.repo.OpenCheckpoint(ctx, buildID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m.resolve(ctx, open.ID, Decision{
		Outcome:  OutcomeSuperseded,
		Approver: SystemResolver,
		Comments: reason,
	})
}

func (m *Manager) resolve(ctx context.Context, id string, decision Decision) (*Checkpoint, error) {
	cp, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.Resolved {
		return nil, services.Wrap(services.ErrConflict, "checkpoint", "resolve",
			fmt.Sprintf("checkpoint %s already resolved (%s)", cp.ID, cp.Outcome), nil)
	}
	resolvedAt := m.now()
	cp.Resolved = true
	cp.Outcome = decision.Outcome
	cp.ResolvedBy = strings.TrimSpace(decision.Approver)
	cp.Comments = strings.TrimSpace(decision.Comments)
	cp.Feedback = append(json.RawMessage(nil), decision.Feedback...)
	cp.ChangesMade = decision.ChangesMade
	cp.ResolvedAt = &resolvedAt
	if err := m.repo.ResolveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	logging.WithContext(ctx, m.logger).Info("checkpoint resolved",
		logging.String(logging.FieldEventType, "checkpoint_resolved"),
		logging.String(logging.FieldBuildID, cp.BuildID),
		logging.String(logging.FieldStage, cp.Stage),
		logging.String(logging.FieldCheckpointID, cp.ID),
		logging.String("outcome", string(cp.Outcome)),
		logging.String("resolved_by", cp.ResolvedBy),
	)
	return cp, nil
}

// Get returns a checkpoint by id.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	if strings.TrimSpace(id) == "" {
		return nil, services.Wrap(services.ErrValidation, "checkpoint", "get", "checkpoint id is required", nil)
	}
	return m.repo.GetCheckpoint(ctx, strings.TrimSpace(id))
}

// Pending returns the build's unresolved checkpoint, or nil when there is none.
func (m *Manager) Pending(ctx context.Context, buildID string) (*Checkpoint, error) {
	cp, err := m.repo.OpenCheckpoint(ctx, buildID)
	if errors.Is(err, services.ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

// ListPending returns unresolved checkpoints, oldest first. An empty buildID
// lists across all builds.
func (m *Manager) ListPending(ctx context.Context, buildID string) ([]*Checkpoint, error) {
	return m.repo.ListPendingCheckpoints(ctx, strings.TrimSpace(buildID))
}

// History returns the build's resolved checkpoints ordered by resolution time.
func (m *Manager) History(ctx context.Context, buildID string) ([]*Checkpoint, error) {
	return m.repo.ListResolvedCheckpoints(ctx, strings.TrimSpace(buildID))
}
