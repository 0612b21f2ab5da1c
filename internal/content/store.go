package content

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

const appendAttempts = 5

// Store is the Content Store service. It validates input, assigns identity,
// and retries optimistic append collisions against the repository.
type Store struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewStore constructs a content store over repo.
func NewStore(repo Repository, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logging.NewComponentLogger(logger, "content"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Put appends version N+1 to the lineage and returns it. Prior versions are never touched.
func (s *Store) Put(ctx context.Context, req PutRequest) (*Item, error) {
	req.BuildID = strings.TrimSpace(req.BuildID)
	req.Lineage = strings.TrimSpace(req.Lineage)
	if req.Lineage == "" {
		req.Lineage = strings.TrimSpace(req.Stage)
	}
	if req.Provenance == "" {
		req.Provenance = ProvenanceGenerated
	}
	switch {
	case req.BuildID == "":
		return nil, services.Wrap(services.ErrValidation, "content", "put", "build id is required", nil)
	case req.Lineage == "":
		return nil, services.Wrap(services.ErrValidation, "content", "put", "lineage key is required", nil)
	case !req.Provenance.Valid():
		return nil, services.Wrap(services.ErrValidation, "content", "put", fmt.Sprintf("unknown provenance %q", req.Provenance), nil)
	case len(req.Payload) == 0 || !json.Valid(req.Payload):
		return nil, services.Wrap(services.ErrValidation, "content", "put", "payload must be valid JSON", nil)
	}

	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		item := &Item{
			ID:         uuid.NewString(),
			BuildID:    req.BuildID,
			Lineage:    req.Lineage,
			Stage:      req.Stage,
			Title:      strings.TrimSpace(req.Title),
			Payload:    append(json.RawMessage(nil), req.Payload...),
			Provenance: req.Provenance,
			Author:     strings.TrimSpace(req.Author),
			CreatedAt:  s.now(),
		}
		err := s.repo.AppendContent(ctx, item)
		if err == nil {
			logging.WithContext(ctx, s.logger).Debug("content version appended",
				logging.String(logging.FieldBuildID, item.BuildID),
				logging.String(logging.FieldContentID, item.ID),
				logging.String("lineage", item.Lineage),
				logging.Int("version", item.Version),
				logging.String("provenance", string(item.Provenance)),
			)
			return item, nil
		}
		if !errors.Is(err, services.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Edit appends a human-edited version on top of the current latest version.
// Editing a lineage that has no versions yet is a not-found error.
func (s *Store) Edit(ctx context.Context, buildID, lineage string, payload json.RawMessage, editor string) (*Item, error) {
	latest, err := s.GetLatest(ctx, buildID, lineage)
	if err != nil {
		return nil, err
	}
	return s.Put(ctx, PutRequest{
		BuildID:    latest.BuildID,
		Lineage:    latest.Lineage,
		Stage:      latest.Stage,
		Title:      latest.Title,
		Payload:    payload,
		Provenance: ProvenanceHumanEdited,
		Author:     editor,
	})
}

// Get returns a single version by id.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	if strings.TrimSpace(id) == "" {
		return nil, services.Wrap(services.ErrValidation, "content", "get", "content id is required", nil)
	}
	return s.repo.GetContent(ctx, id)
}

// GetLatest returns the newest version of a lineage.
func (s *Store) GetLatest(ctx context.Context, buildID, lineage string) (*Item, error) {
	return s.repo.LatestContent(ctx, strings.TrimSpace(buildID), strings.TrimSpace(lineage))
}

// ListByBuild returns the latest version of every lineage in the build, ordered by lineage.
func (s *Store) ListByBuild(ctx context.Context, buildID string) ([]*Item, error) {
	return s.repo.ListLatestContent(ctx, strings.TrimSpace(buildID))
}

// History returns all versions of a lineage, oldest first.
func (s *Store) History(ctx context.Context, buildID, lineage string) ([]*Item, error) {
	items, err := s.repo.ContentHistory(ctx, strings.TrimSpace(buildID), strings.TrimSpace(lineage))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "content", "history",
			fmt.Sprintf("no content for lineage %q in build %s", lineage, buildID), nil)
	}
	return items, nil
}

// MarkApproved flags exactly the version id as approved.
func (s *Store) MarkApproved(ctx context.Context, id string) error {
	return s.repo.MarkContentApproved(ctx, id)
}

// Diff compares two versions of the same lineage.
func (s *Store) Diff(ctx context.Context, fromID, toID string) (*Diff, error) {
	from, err := s.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.Get(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from.BuildID != to.BuildID || from.Lineage != to.Lineage {
		return nil, services.Wrap(services.ErrValidation, "content", "diff", "versions belong to different lineages", nil)
	}
	return Compare(from, to)
}
