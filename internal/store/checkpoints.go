package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"coursebuild/internal/checkpoint"
	"coursebuild/internal/services"
)

const checkpointColumns = "id, build_id, stage, content_id, required, resolved, snapshot, outcome, resolved_by, comments, feedback, changes_made, created_at, resolved_at"

var _ checkpoint.Repository = (*Store)(nil)

func scanCheckpoint(scanner rowScanner) (*checkpoint.Checkpoint, error) {
	var (
		id          string
		buildID     string
		stage       string
		contentID   sql.NullString
		required    int
		resolved    int
		snapshot    sql.NullString
		outcome     sql.NullString
		resolvedBy  sql.NullString
		comments    sql.NullString
		feedback    sql.NullString
		changesMade int
		createdRaw  string
		resolvedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&buildID,
		&stage,
		&contentID,
		&required,
		&resolved,
		&snapshot,
		&outcome,
		&resolvedBy,
		&comments,
		&feedback,
		&changesMade,
		&createdRaw,
		&resolvedRaw,
	); err != nil {
		return nil, err
	}
	cp := &checkpoint.Checkpoint{
		ID:          id,
		BuildID:     buildID,
		Stage:       stage,
		ContentID:   contentID.String,
		Required:    required != 0,
		Resolved:    resolved != 0,
		Outcome:     checkpoint.Outcome(outcome.String),
		ResolvedBy:  resolvedBy.String,
		Comments:    comments.String,
		ChangesMade: changesMade != 0,
	}
	if snapshot.Valid && snapshot.String != "" {
		cp.Snapshot = json.RawMessage(snapshot.String)
	}
	if feedback.Valid && feedback.String != "" {
		cp.Feedback = json.RawMessage(feedback.String)
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		cp.CreatedAt = created
	}
	if resolvedRaw.Valid {
		if at, err := parseTimeString(resolvedRaw.String); err == nil {
			cp.ResolvedAt = &at
		}
	}
	return cp, nil
}

func (s *Store) queryCheckpoints(ctx context.Context, operation, query string, args ...any) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, storageError(operation, err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, storageError(operation, err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(operation, err)
	}
	return out, nil
}

// InsertCheckpoint stores a new unresolved checkpoint. The partial unique
// index rejects a second open checkpoint for the same build.
func (s *Store) InsertCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return services.Wrap(services.ErrValidation, "store", "insert checkpoint", "checkpoint id is required", nil)
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, 0, ?, NULL, NULL, NULL, NULL, 0, ?, NULL)`,
		cp.ID,
		cp.BuildID,
		cp.Stage,
		nullableString(cp.ContentID),
		boolToInt(cp.Required),
		nullableBytes(cp.Snapshot),
		formatTime(cp.CreatedAt),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return services.Wrap(services.ErrConflict, "store", "insert checkpoint",
			"build "+cp.BuildID+" already has an open checkpoint", nil)
	case isForeignKeyViolation(err):
		return services.Wrap(services.ErrNotFound, "store", "insert checkpoint",
			"build "+cp.BuildID+" or its content not found", nil)
	default:
		return storageError("insert checkpoint", err)
	}
}

// GetCheckpoint fetches a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, notFound(err, "get checkpoint", "checkpoint "+id)
	}
	return cp, nil
}

// ResolveCheckpoint records the resolution only while the row is unresolved,
// so exactly one of several concurrent resolvers succeeds.
func (s *Store) ResolveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return services.Wrap(services.ErrValidation, "store", "resolve checkpoint", "checkpoint id is required", nil)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE checkpoints SET resolved = 1, outcome = ?, resolved_by = ?, comments = ?, feedback = ?, changes_made = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		string(cp.Outcome),
		nullableString(cp.ResolvedBy),
		nullableString(cp.Comments),
		nullableBytes(cp.Feedback),
		boolToInt(cp.ChangesMade),
		nullableTime(cp.ResolvedAt),
		cp.ID,
	)
	if err != nil {
		return storageError("resolve checkpoint", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("resolve checkpoint", err)
	}
	if affected == 0 {
		if _, getErr := s.GetCheckpoint(ctx, cp.ID); getErr != nil {
			return getErr
		}
		return services.Wrap(services.ErrConflict, "store", "resolve checkpoint",
			"checkpoint "+cp.ID+" is already resolved", nil)
	}
	cp.Resolved = true
	return nil
}

// OpenCheckpoint returns the unresolved checkpoint of a build.
func (s *Store) OpenCheckpoint(ctx context.Context, buildID string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE build_id = ? AND resolved = 0`, buildID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, notFound(err, "open checkpoint", "open checkpoint for build "+buildID)
	}
	return cp, nil
}

// ListPendingCheckpoints returns unresolved checkpoints, oldest first. An
// empty buildID lists pending checkpoints across all builds.
func (s *Store) ListPendingCheckpoints(ctx context.Context, buildID string) ([]*checkpoint.Checkpoint, error) {
	if buildID == "" {
		return s.queryCheckpoints(ctx, "list pending checkpoints",
			`SELECT `+checkpointColumns+` FROM checkpoints WHERE resolved = 0 ORDER BY created_at, rowid`)
	}
	return s.queryCheckpoints(ctx, "list pending checkpoints",
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE resolved = 0 AND build_id = ? ORDER BY created_at, rowid`,
		buildID)
}

// ListResolvedCheckpoints returns the resolution history of a build in resolution order.
func (s *Store) ListResolvedCheckpoints(ctx context.Context, buildID string) ([]*checkpoint.Checkpoint, error) {
	return s.queryCheckpoints(ctx, "checkpoint history",
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE resolved = 1 AND build_id = ? ORDER BY resolved_at, rowid`,
		buildID)
}
