package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"coursebuild/internal/builds"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
)

const buildColumns = "id, title, config_json, pipeline_json, status, current_stage, paused_from, failure_reason, attempts, revision, created_at, updated_at"

var _ builds.Repository = (*Store)(nil)

func scanBuild(scanner rowScanner) (*builds.Build, error) {
	var (
		id            string
		title         string
		configRaw     sql.NullString
		pipelineRaw   string
		statusStr     string
		currentStage  string
		pausedFrom    sql.NullString
		failureReason sql.NullString
		attempts      int
		revision      int64
		createdRaw    string
		updatedRaw    string
	)
	if err := scanner.Scan(
		&id,
		&title,
		&configRaw,
		&pipelineRaw,
		&statusStr,
		&currentStage,
		&pausedFrom,
		&failureReason,
		&attempts,
		&revision,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	build := &builds.Build{
		ID:            id,
		Title:         title,
		Status:        builds.Status(statusStr),
		CurrentStage:  pipeline.Stage(currentStage),
		PausedFrom:    builds.Status(pausedFrom.String),
		FailureReason: failureReason.String,
		Attempts:      attempts,
		Revision:      revision,
	}
	if configRaw.Valid && configRaw.String != "" {
		if err := json.Unmarshal([]byte(configRaw.String), &build.Config); err != nil {
			return nil, fmt.Errorf("decode build config: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(pipelineRaw), &build.Pipeline); err != nil {
		return nil, fmt.Errorf("decode build pipeline: %w", err)
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		build.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		build.UpdatedAt = updated
	}
	return build, nil
}

func encodeBuild(build *builds.Build) (string, string, error) {
	cfg := build.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", "", fmt.Errorf("encode build config: %w", err)
	}
	pipelineJSON, err := json.Marshal(build.Pipeline)
	if err != nil {
		return "", "", fmt.Errorf("encode build pipeline: %w", err)
	}
	return string(configJSON), string(pipelineJSON), nil
}

// CreateBuild inserts a new build row.
func (s *Store) CreateBuild(ctx context.Context, build *builds.Build) error {
	if build == nil || build.ID == "" {
		return services.Wrap(services.ErrValidation, "store", "create build", "build id is required", nil)
	}
	configJSON, pipelineJSON, err := encodeBuild(build)
	if err != nil {
		return services.Wrap(services.ErrValidation, "store", "create build", "encode build", err)
	}
	_, err = s.execWithRetry(ctx,
		`INSERT INTO builds (`+buildColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		build.ID,
		build.Title,
		configJSON,
		pipelineJSON,
		string(build.Status),
		string(build.CurrentStage),
		nullableString(string(build.PausedFrom)),
		nullableString(build.FailureReason),
		build.Attempts,
		build.Revision,
		formatTime(build.CreatedAt),
		formatTime(build.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return services.Wrap(services.ErrConflict, "store", "create build", "build "+build.ID+" already exists", nil)
		}
		return storageError("create build", err)
	}
	return nil
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, id string) (*builds.Build, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	build, err := scanBuild(row)
	if err != nil {
		return nil, notFound(err, "get build", "build "+id)
	}
	return build, nil
}

// ListBuilds returns builds ordered by creation time, optionally filtered by status.
func (s *Store) ListBuilds(ctx context.Context, filter builds.Filter) ([]*builds.Build, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + buildColumns + ` FROM builds`
	args := make([]any, 0, len(filter.Statuses))
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(filter.Statuses)) + `)`
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("list builds", err)
	}
	defer rows.Close()

	var out []*builds.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, storageError("list builds", err)
		}
		out = append(out, build)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list builds", err)
	}
	return out, nil
}

// UpdateBuild persists build if nobody else has written it since it was read.
func (s *Store) UpdateBuild(ctx context.Context, build *builds.Build) error {
	if build == nil {
		return services.Wrap(services.ErrValidation, "store", "update build", "build is nil", nil)
	}
	configJSON, pipelineJSON, err := encodeBuild(build)
	if err != nil {
		return services.Wrap(services.ErrValidation, "store", "update build", "encode build", err)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE builds SET title = ?, config_json = ?, pipeline_json = ?, status = ?, current_stage = ?,
			paused_from = ?, failure_reason = ?, attempts = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`,
		build.Title,
		configJSON,
		pipelineJSON,
		string(build.Status),
		string(build.CurrentStage),
		nullableString(string(build.PausedFrom)),
		nullableString(build.FailureReason),
		build.Attempts,
		formatTime(build.UpdatedAt),
		build.ID,
		build.Revision,
	)
	if err != nil {
		return storageError("update build", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("update build", err)
	}
	if affected == 0 {
		if _, getErr := s.GetBuild(ctx, build.ID); getErr != nil {
			return getErr
		}
		return services.Wrap(services.ErrConflict, "store", "update build",
			fmt.Sprintf("build %s changed since revision %d", build.ID, build.Revision), nil)
	}
	build.Revision++
	return nil
}

// CountBuildsByStatus returns the number of builds in each status.
func (s *Store) CountBuildsByStatus(ctx context.Context) (map[builds.Status]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, storageError("count builds", err)
	}
	defer rows.Close()

	counts := make(map[builds.Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageError("count builds", err)
		}
		counts[builds.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("count builds", err)
	}
	return counts, nil
}
