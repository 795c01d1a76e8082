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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

const workItemColumns = `id, title, content, priority, status, category, tags,
	metadata, dependencies, phase, source_loop, item_type, claimed_by,
	claimed_at, processed_at, duplicate_of, skip_reason, created_at, updated_at`

// ItemFilter narrows ListWorkItems and CountWorkItems.
// Zero values mean "any". Results are ordered by priority (lower first),
// then created_at, then id for a deterministic tiebreak.
type ItemFilter struct {
	SourceLoop string
	Status     types.ItemStatus
	Category   string
	ItemType   string

	// ClaimableOnly restricts to rows a consumer could claim right now:
	// status pending or completed and no current claimant.
	ClaimableOnly bool

	// NewestFirst flips the created_at tiebreak to descending. Claim
	// candidates use this so freshly produced items are tried first.
	NewestFirst bool

	Limit int
}

// ImportMode controls how ImportWorkItems treats IDs that already exist.
type ImportMode string

const (
	// ImportModeAll inserts every item and fails on any ID collision.
	ImportModeAll ImportMode = "all"
	// ImportModeMerge inserts only items whose IDs are not present yet.
	ImportModeMerge ImportMode = "merge"
)

// ImportResult summarizes an ImportWorkItems call.
type ImportResult struct {
	Imported int
	Skipped  int
}

// itemUpdateColumns is the allow-list for UpdateWorkItem. Claim bookkeeping
// (claimed_by, claimed_at, processed_at) mutates only through the atomic
// claim operations in claims.go.
var itemUpdateColumns = map[string]bool{
	"title":        true,
	"content":      true,
	"priority":     true,
	"status":       true,
	"category":     true,
	"tags":         true,
	"metadata":     true,
	"dependencies": true,
	"phase":        true,
	"item_type":    true,
	"duplicate_of": true,
	"skip_reason":  true,
}

// CreateWorkItem persists a new work item. Missing status defaults to
// pending, missing item_type to "item", and zero timestamps to now.
func (s *Store) CreateWorkItem(ctx context.Context, item *types.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertWorkItem(ctx, s.db, item)
}

// CreateWorkItems persists a batch of work items in one transaction.
// Either all items are inserted or none are.
func (s *Store) CreateWorkItems(ctx context.Context, items []*types.WorkItem) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, item := range items {
		if err := s.insertWorkItem(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit work items: %w", err)
	}
	return nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertWorkItem(ctx context.Context, db execer, item *types.WorkItem) error {
	if item.ID == "" {
		return errors.New("work item id is required")
	}
	if item.Status == "" {
		item.Status = types.ItemStatusPending
	}
	if !item.Status.Valid() {
		return fmt.Errorf("invalid work item status %q", item.Status)
	}
	if item.ItemType == "" {
		item.ItemType = "item"
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	tags, err := encodeJSON(item.Tags)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(item.Metadata)
	if err != nil {
		return err
	}
	deps, err := encodeJSON(item.Dependencies)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO work_items (
			id, title, content, priority, status, category, tags, metadata,
			dependencies, phase, source_loop, item_type, claimed_by,
			claimed_at, processed_at, duplicate_of, skip_reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.Title,
		item.Content,
		item.Priority,
		string(item.Status),
		item.Category,
		tags,
		metadata,
		deps,
		item.Phase,
		nullStringPtr(item.SourceLoop),
		item.ItemType,
		nullStringPtr(item.ClaimedBy),
		encodeTimePtr(item.ClaimedAt),
		encodeTimePtr(item.ProcessedAt),
		nullStringPtr(item.DuplicateOf),
		nullStringPtr(item.SkipReason),
		encodeTime(item.CreatedAt),
		encodeTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item %s: %w", item.ID, err)
	}
	return nil
}

// GetWorkItem retrieves a work item by ID.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+workItemColumns+" FROM work_items WHERE id = ?", id)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListWorkItems returns items matching the filter.
func (s *Store) ListWorkItems(ctx context.Context, filter ItemFilter) ([]*types.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := buildItemQuery("SELECT "+workItemColumns+" FROM work_items", filter, true)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []*types.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountWorkItems returns how many items match the filter.
func (s *Store) CountWorkItems(ctx context.Context, filter ItemFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter.Limit = 0
	query, args := buildItemQuery("SELECT COUNT(*) FROM work_items", filter, false)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count work items: %w", err)
	}
	return count, nil
}

// ItemStatusCounts returns the number of items per status.
func (s *Store) ItemStatusCounts(ctx context.Context) (map[types.ItemStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM work_items GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count item statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[types.ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

// UpdateWorkItem applies a partial update. Column names are checked against
// a fixed allow-list; an unknown column fails before anything is written.
func (s *Store) UpdateWorkItem(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	setClauses := make([]string, 0, len(updates)+1)
	args := make([]any, 0, len(updates)+2)
	for column, value := range updates {
		if !itemUpdateColumns[column] {
			return fmt.Errorf("work item column %q is not updatable", column)
		}
		encoded, err := encodeItemColumn(column, value)
		if err != nil {
			return err
		}
		setClauses = append(setClauses, column+" = ?")
		args = append(args, encoded)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, encodeTime(time.Now().UTC()))
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE work_items SET "+strings.Join(setClauses, ", ")+" WHERE id = ?",
		args...)
	if err != nil {
		return fmt.Errorf("failed to update work item %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("work item %q: %w", id, ErrNotFound)
	}
	return nil
}

// MergeWorkItemMetadata folds patch into the item's metadata, keeping keys
// the patch does not mention. Callers recording structured completion
// details use this instead of UpdateWorkItem, which would replace the whole
// map.
func (s *Store) MergeWorkItemMetadata(ctx context.Context, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var metaCol sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT metadata FROM work_items WHERE id = ?", id).Scan(&metaCol)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("work item %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata for %s: %w", id, err)
	}

	metadata := make(map[string]any, len(patch))
	if metaCol.Valid && metaCol.String != "" {
		if err := json.Unmarshal([]byte(metaCol.String), &metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata for %s: %w", id, err)
		}
	}
	for k, v := range patch {
		metadata[k] = v
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE work_items SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(raw), encodeTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("failed to merge metadata for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metadata merge: %w", err)
	}
	return nil
}

// DeleteWorkItem removes a work item.
func (s *Store) DeleteWorkItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM work_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete work item %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("work item %q: %w", id, ErrNotFound)
	}
	return nil
}

// ImportWorkItems bulk-inserts externally sourced items in one transaction.
// Mode all fails the whole import on any existing ID; mode merge skips
// existing IDs and reports them in the result.
func (s *Store) ImportWorkItems(ctx context.Context, items []*types.WorkItem, mode ImportMode) (ImportResult, error) {
	var result ImportResult
	if len(items) == 0 {
		return result, nil
	}
	if mode != ImportModeAll && mode != ImportModeMerge {
		return result, fmt.Errorf("unknown import mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, item := range items {
		if mode == ImportModeMerge {
			var exists int
			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM work_items WHERE id = ?", item.ID,
			).Scan(&exists); err != nil {
				return ImportResult{}, fmt.Errorf("failed to check item %s: %w", item.ID, err)
			}
			if exists > 0 {
				result.Skipped++
				continue
			}
		}
		if err := s.insertWorkItem(ctx, tx, item); err != nil {
			return ImportResult{}, err
		}
		result.Imported++
	}

	if err := tx.Commit(); err != nil {
		return ImportResult{}, fmt.Errorf("failed to commit import: %w", err)
	}
	return result, nil
}

// buildItemQuery assembles the WHERE clause for an item filter.
func buildItemQuery(base string, filter ItemFilter, ordered bool) (string, []any) {
	var conditions []string
	var args []any

	if filter.SourceLoop != "" {
		conditions = append(conditions, "source_loop = ?")
		args = append(args, filter.SourceLoop)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.ItemType != "" {
		conditions = append(conditions, "item_type = ?")
		args = append(args, filter.ItemType)
	}
	if filter.ClaimableOnly {
		conditions = append(conditions, "status IN ('pending', 'completed')", "claimed_by IS NULL")
	}

	query := base
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if ordered {
		if filter.NewestFirst {
			query += " ORDER BY priority ASC, created_at DESC, id ASC"
		} else {
			query += " ORDER BY priority ASC, created_at ASC, id ASC"
		}
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return query, args
}

// encodeItemColumn normalizes an update value for its column.
func encodeItemColumn(column string, value any) (any, error) {
	switch column {
	case "tags", "dependencies":
		switch v := value.(type) {
		case nil:
			return nil, nil
		case []string:
			return encodeJSON(v)
		default:
			return nil, fmt.Errorf("column %q expects []string, got %T", column, value)
		}
	case "metadata":
		switch v := value.(type) {
		case nil:
			return nil, nil
		case map[string]any:
			return encodeJSON(v)
		default:
			return nil, fmt.Errorf("column %q expects map[string]any, got %T", column, value)
		}
	case "status":
		var status types.ItemStatus
		switch v := value.(type) {
		case types.ItemStatus:
			status = v
		case string:
			status = types.ItemStatus(v)
		default:
			return nil, fmt.Errorf("column %q expects a status, got %T", column, value)
		}
		if !status.Valid() {
			return nil, fmt.Errorf("invalid work item status %q", status)
		}
		return string(status), nil
	case "priority", "phase":
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return v, nil
		default:
			return nil, fmt.Errorf("column %q expects an int, got %T", column, value)
		}
	case "duplicate_of", "skip_reason":
		switch v := value.(type) {
		case nil:
			return nil, nil
		case string:
			return nullString(v), nil
		case *string:
			return nullStringPtr(v), nil
		default:
			return nil, fmt.Errorf("column %q expects a string, got %T", column, value)
		}
	default:
		// title, content, category, item_type
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("column %q expects a string, got %T", column, value)
		}
		return v, nil
	}
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*types.WorkItem, error) {
	var (
		item        types.WorkItem
		status      string
		tags        sql.NullString
		metadata    sql.NullString
		deps        sql.NullString
		sourceLoop  sql.NullString
		claimedBy   sql.NullString
		claimedAt   sql.NullString
		processedAt sql.NullString
		duplicateOf sql.NullString
		skipReason  sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := row.Scan(
		&item.ID, &item.Title, &item.Content, &item.Priority, &status,
		&item.Category, &tags, &metadata, &deps, &item.Phase, &sourceLoop,
		&item.ItemType, &claimedBy, &claimedAt, &processedAt, &duplicateOf,
		&skipReason, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}

	item.Status = types.ItemStatus(status)
	if err := decodeJSON(tags, &item.Tags); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &item.Metadata); err != nil {
		return nil, err
	}
	if err := decodeJSON(deps, &item.Dependencies); err != nil {
		return nil, err
	}
	item.SourceLoop = stringPtr(sourceLoop)
	item.ClaimedBy = stringPtr(claimedBy)
	item.DuplicateOf = stringPtr(duplicateOf)
	item.SkipReason = stringPtr(skipReason)

	if item.ClaimedAt, err = decodeTimePtr(claimedAt); err != nil {
		return nil, err
	}
	if item.ProcessedAt, err = decodeTimePtr(processedAt); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}
