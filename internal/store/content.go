package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"coursebuild/internal/content"
	"coursebuild/internal/services"
)

const contentColumns = "id, build_id, lineage, stage, version, parent_id, title, payload, provenance, author, approved, created_at"

var _ content.Repository = (*Store)(nil)

func scanContent(scanner rowScanner) (*content.Item, error) {
	var (
		id         string
		buildID    string
		lineage    string
		stage      sql.NullString
		version    int
		parentID   sql.NullString
		title      sql.NullString
		payload    string
		provenance string
		author     sql.NullString
		approved   int
		createdRaw string
	)
	if err := scanner.Scan(
		&id,
		&buildID,
		&lineage,
		&stage,
		&version,
		&parentID,
		&title,
		&payload,
		&provenance,
		&author,
		&approved,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	item := &content.Item{
		ID:         id,
		BuildID:    buildID,
		Lineage:    lineage,
		Stage:      stage.String,
		Version:    version,
		ParentID:   parentID.String,
		Title:      title.String,
		Payload:    json.RawMessage(payload),
		Provenance: content.Provenance(provenance),
		Author:     author.String,
		Approved:   approved != 0,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		item.CreatedAt = created
	}
	return item, nil
}

func (s *Store) queryContent(ctx context.Context, operation, query string, args ...any) ([]*content.Item, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, storageError(operation, err)
	}
	defer rows.Close()

	var out []*content.Item
	for rows.Next() {
		item, err := scanContent(rows)
		if err != nil {
			return nil, storageError(operation, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(operation, err)
	}
	return out, nil
}

// AppendContent assigns the next version in the lineage and inserts item in
// one transaction. Losing a race for the version number returns ErrConflict.
func (s *Store) AppendContent(ctx context.Context, item *content.Item) error {
	if item == nil || item.ID == "" {
		return services.Wrap(services.ErrValidation, "store", "append content", "content id is required", nil)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			prevID      string
			prevVersion int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, version FROM content_items WHERE build_id = ? AND lineage = ? ORDER BY version DESC LIMIT 1`,
			item.BuildID, item.Lineage,
		).Scan(&prevID, &prevVersion)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			prevID, prevVersion = "", 0
		case err != nil:
			return err
		}
		item.Version = prevVersion + 1
		item.ParentID = prevID

		_, err = tx.ExecContext(ctx,
			`INSERT INTO content_items (`+contentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.BuildID,
			item.Lineage,
			nullableString(item.Stage),
			item.Version,
			nullableString(item.ParentID),
			nullableString(item.Title),
			string(item.Payload),
			string(item.Provenance),
			nullableString(item.Author),
			boolToInt(item.Approved),
			formatTime(item.CreatedAt),
		)
		return err
	})
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return services.Wrap(services.ErrConflict, "store", "append content",
			"version already taken in lineage "+item.Lineage, nil)
	case isForeignKeyViolation(err):
		return services.Wrap(services.ErrNotFound, "store", "append content", "build "+item.BuildID+" not found", nil)
	default:
		return storageError("append content", err)
	}
}

// GetContent fetches one version by id.
func (s *Store) GetContent(ctx context.Context, id string) (*content.Item, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+contentColumns+` FROM content_items WHERE id = ?`, id)
	item, err := scanContent(row)
	if err != nil {
		return nil, notFound(err, "get content", "content "+id)
	}
	return item, nil
}

// LatestContent returns the highest version of a lineage.
func (s *Store) LatestContent(ctx context.Context, buildID, lineage string) (*content.Item, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+contentColumns+` FROM content_items WHERE build_id = ? AND lineage = ? ORDER BY version DESC LIMIT 1`,
		buildID, lineage,
	)
	item, err := scanContent(row)
	if err != nil {
		return nil, notFound(err, "latest content", "lineage "+lineage)
	}
	return item, nil
}

// ListLatestContent returns the latest version of every lineage in a build.
func (s *Store) ListLatestContent(ctx context.Context, buildID string) ([]*content.Item, error) {
	return s.queryContent(ctx, "list content",
		`SELECT c.id, c.build_id, c.lineage, c.stage, c.version, c.parent_id, c.title, c.payload, c.provenance, c.author, c.approved, c.created_at
		FROM content_items c
		JOIN (
			SELECT lineage, MAX(version) AS version FROM content_items WHERE build_id = ? GROUP BY lineage
		) latest ON latest.lineage = c.lineage AND latest.version = c.version
		WHERE c.build_id = ?
		ORDER BY c.lineage`,
		buildID, buildID,
	)
}

// ContentHistory returns every version of a lineage, oldest first.
func (s *Store) ContentHistory(ctx context.Context, buildID, lineage string) ([]*content.Item, error) {
	return s.queryContent(ctx, "content history",
		`SELECT `+contentColumns+` FROM content_items WHERE build_id = ? AND lineage = ? ORDER BY version`,
		buildID, lineage,
	)
}

// MarkContentApproved flags a version as approved. Payloads stay immutable.
func (s *Store) MarkContentApproved(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx, `UPDATE content_items SET approved = 1 WHERE id = ?`, id)
	if err != nil {
		return storageError("approve content", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("approve content", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "approve content", "content "+id+" not found", nil)
	}
	return nil
}
