// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

const resourceColumns = `id, name, resource_type, injection_position,
	priority, enabled, inherit_default, file_path, content, file_mtime,
	created_at, updated_at`

// ResourceFilter narrows ListResources. Zero values mean "any".
type ResourceFilter struct {
	Type        types.ResourceType
	EnabledOnly bool
}

// resourceUpdateColumns is the allow-list for UpdateResource. id,
// resource_type, and created_at are immutable; updated_at is managed by the
// store itself.
var resourceUpdateColumns = map[string]bool{
	"name":               true,
	"content":            true,
	"injection_position": true,
	"priority":           true,
	"enabled":            true,
	"inherit_default":    true,
	"file_path":          true,
	"file_mtime":         true,
}

// CreateResource persists a new resource row. (resource_type, name) is
// unique per project.
func (s *Store) CreateResource(ctx context.Context, r *types.Resource) error {
	if r.Name == "" {
		return errors.New("resource name is required")
	}
	if !r.ResourceType.Valid() {
		return fmt.Errorf("invalid resource type %q", r.ResourceType)
	}
	if r.InjectionPosition == "" {
		r.InjectionPosition = types.PositionBeforeTask
	}
	if !r.InjectionPosition.Valid() {
		return fmt.Errorf("invalid injection position %q", r.InjectionPosition)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, name, resource_type, injection_position,
			priority, enabled, inherit_default, file_path, content,
			file_mtime, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.ResourceType), string(r.InjectionPosition),
		r.Priority, r.Enabled, r.InheritDefault, r.FilePath, r.Content,
		encodeTimePtr(r.FileMtime), encodeTime(r.CreatedAt), encodeTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create resource %s/%s: %w", r.ResourceType, r.Name, err)
	}
	return nil
}

// GetResource retrieves a resource by ID.
func (s *Store) GetResource(ctx context.Context, id string) (*types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getResource(ctx, s.db, id)
}

// queryRower covers both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getResource(ctx context.Context, db queryRower, id string) (*types.Resource, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+resourceColumns+" FROM resources WHERE id = ?", id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetResourceByName retrieves a resource by its (type, name) key.
func (s *Store) GetResourceByName(ctx context.Context, rtype types.ResourceType, name string) (*types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+resourceColumns+" FROM resources WHERE resource_type = ? AND name = ?",
		string(rtype), name)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s/%s: %w", rtype, name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListResources returns resources ordered by type, priority, then name —
// the same order the prompt builder injects them.
func (s *Store) ListResources(ctx context.Context, filter ResourceFilter) ([]*types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + resourceColumns + " FROM resources"
	var conditions []string
	var args []any
	if filter.Type != "" {
		conditions = append(conditions, "resource_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.EnabledOnly {
		conditions = append(conditions, "enabled = 1")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY resource_type, priority, name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var resources []*types.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// UpdateResource applies a partial update under an optimistic lock.
//
// When expectedUpdatedAt is non-nil and does not match the row's current
// updated_at, nothing is written and a *ConflictError carrying the current
// row is returned. When the update changes content or name, a
// ResourceVersion snapshot of the pre-update row is inserted first and old
// versions beyond KeepVersions are pruned. updated_at always moves strictly
// forward so it stays usable as a lock token.
func (s *Store) UpdateResource(ctx context.Context, id string, updates map[string]any, expectedUpdatedAt *time.Time) (*types.Resource, error) {
	if len(updates) == 0 {
		return nil, errors.New("no resource updates given")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := s.getResource(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if expectedUpdatedAt != nil && !current.UpdatedAt.Equal(*expectedUpdatedAt) {
		return nil, &ConflictError{Current: current}
	}

	setClauses := make([]string, 0, len(updates)+1)
	args := make([]any, 0, len(updates)+2)
	contentChanged := false
	nameChanged := false
	for column, value := range updates {
		if !resourceUpdateColumns[column] {
			return nil, fmt.Errorf("resource column %q is not updatable", column)
		}
		encoded, err := encodeResourceColumn(column, value)
		if err != nil {
			return nil, err
		}
		if column == "content" {
			if v, ok := value.(string); ok && v != current.Content {
				contentChanged = true
			}
		}
		if column == "name" {
			if v, ok := value.(string); ok && v != current.Name {
				nameChanged = true
			}
		}
		setClauses = append(setClauses, column+" = ?")
		args = append(args, encoded)
	}

	if contentChanged || nameChanged {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resource_versions (id, resource_id, name, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), current.ID, current.Name, current.Content,
			encodeTime(time.Now().UTC())); err != nil {
			return nil, fmt.Errorf("failed to snapshot resource %s: %w", id, err)
		}
	}

	newUpdatedAt := bumpUpdatedAt(current.UpdatedAt)
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, encodeTime(newUpdatedAt))
	args = append(args, id)

	if _, err := tx.ExecContext(ctx,
		"UPDATE resources SET "+strings.Join(setClauses, ", ")+" WHERE id = ?",
		args...); err != nil {
		return nil, fmt.Errorf("failed to update resource %s: %w", id, err)
	}

	if (contentChanged || nameChanged) && s.KeepVersions > 0 {
		if err := pruneVersions(ctx, tx, id, s.KeepVersions); err != nil {
			return nil, err
		}
	}

	updated, err := s.getResource(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resource update: %w", err)
	}
	return updated, nil
}

// DeleteResource removes a resource; its versions cascade.
func (s *Store) DeleteResource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM resources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("resource %q: %w", id, ErrNotFound)
	}
	return nil
}

// ListResourceVersions returns a resource's snapshots, newest first.
func (s *Store) ListResourceVersions(ctx context.Context, resourceID string) ([]*types.ResourceVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, name, content, created_at
		FROM resource_versions
		WHERE resource_id = ?
		ORDER BY created_at DESC, id DESC`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource versions: %w", err)
	}
	defer rows.Close()

	var versions []*types.ResourceVersion
	for rows.Next() {
		v, err := scanResourceVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetResourceVersion retrieves a single snapshot.
func (s *Store) GetResourceVersion(ctx context.Context, versionID string) (*types.ResourceVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, resource_id, name, content, created_at
		FROM resource_versions WHERE id = ?`, versionID)
	v, err := scanResourceVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource version %q: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// PruneResourceVersions drops all but the keep most recent snapshots.
func (s *Store) PruneResourceVersions(ctx context.Context, resourceID string, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be non-negative, got %d", keep)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, pruneVersionsSQL, resourceID, resourceID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune resource versions: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return pruned, nil
}

const pruneVersionsSQL = `
	DELETE FROM resource_versions
	WHERE resource_id = ?
	  AND id NOT IN (
		SELECT id FROM resource_versions
		WHERE resource_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?)`

func pruneVersions(ctx context.Context, db execer, resourceID string, keep int) error {
	if _, err := db.ExecContext(ctx, pruneVersionsSQL, resourceID, resourceID, keep); err != nil {
		return fmt.Errorf("failed to prune resource versions: %w", err)
	}
	return nil
}

func scanResource(row rowScanner) (*types.Resource, error) {
	var (
		r         types.Resource
		rtype     string
		position  string
		fileMtime sql.NullString
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&r.ID, &r.Name, &rtype, &position, &r.Priority, &r.Enabled,
		&r.InheritDefault, &r.FilePath, &r.Content, &fileMtime,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan resource: %w", err)
	}

	r.ResourceType = types.ResourceType(rtype)
	r.InjectionPosition = types.InjectionPosition(position)

	if r.FileMtime, err = decodeTimePtr(fileMtime); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanResourceVersion(row rowScanner) (*types.ResourceVersion, error) {
	var (
		v         types.ResourceVersion
		createdAt string
	)

	err := row.Scan(&v.ID, &v.ResourceID, &v.Name, &v.Content, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan resource version: %w", err)
	}

	if v.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &v, nil
}

// encodeResourceColumn normalizes an update value for its column.
func encodeResourceColumn(column string, value any) (any, error) {
	switch column {
	case "priority":
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return v, nil
		default:
			return nil, fmt.Errorf("column %q expects an int, got %T", column, value)
		}
	case "enabled", "inherit_default":
		v, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("column %q expects a bool, got %T", column, value)
		}
		return v, nil
	case "injection_position":
		var pos types.InjectionPosition
		switch v := value.(type) {
		case types.InjectionPosition:
			pos = v
		case string:
			pos = types.InjectionPosition(v)
		default:
			return nil, fmt.Errorf("column %q expects a position, got %T", column, value)
		}
		if !pos.Valid() {
			return nil, fmt.Errorf("invalid injection position %q", pos)
		}
		return string(pos), nil
	case "file_mtime":
		switch v := value.(type) {
		case nil:
			return nil, nil
		case time.Time:
			return encodeTime(v), nil
		case *time.Time:
			return encodeTimePtr(v), nil
		default:
			return nil, fmt.Errorf("column %q expects a time, got %T", column, value)
		}
	default:
		// name, content, file_path
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("column %q expects a string, got %T", column, value)
		}
		return v, nil
	}
}
