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

// Package store is the per-project state database. Every project keeps a
// single SQLite file at <project>/.ralphx/state.db holding work items, runs,
// sessions, resources, resource versions, checkpoints, and logs.
//
// Concurrency contract: multiple readers, single writer. A process-level
// sync.RWMutex serializes all mutations; WAL mode lets readers proceed
// against a consistent snapshot while a write is in flight. Cross-process
// exclusivity for the contested rows (work-item claims) is enforced by
// single conditional UPDATE statements, never by read-modify-write.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/ralphx-dev/ralphx/internal/sqlitedriver" // registers "sqlite3" driver
	"github.com/ralphx-dev/ralphx/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// defaultKeepVersions is how many resource versions survive pruning.
const defaultKeepVersions = 10

// timeLayout is RFC 3339 with a fixed nine-digit fraction so that encoded
// UTC timestamps compare lexicographically in SQL the same way they compare
// chronologically. time.RFC3339Nano trims trailing zeros, which breaks
// TEXT-column ordering ("05Z" sorts after "05.5Z").
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ConflictError reports an optimistic-lock failure on a resource update.
// Current carries the row as it exists now, including the updated_at the
// caller must present to retry.
type ConflictError struct {
	Current *types.Resource
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s modified concurrently (current updated_at %s)",
		e.Current.ID, e.Current.UpdatedAt.Format(timeLayout))
}

// Store is the project state database handle.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
	path   string

	// KeepVersions bounds how many ResourceVersion rows are retained per
	// resource after a content-changing update.
	KeepVersions int
}

// Open opens (creating if necessary) the state database at path, applies
// pending schema migrations, and tightens file permissions to 0600.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL so readers never block the single writer
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// The DB file exists after the first statement above. State databases
	// hold prompt content and run history, so owner-only access.
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	migrator, err := NewMigrator(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrator.MigrateUp(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Debug("opened project store", zap.String("path", path))

	return &Store{
		db:           db,
		logger:       logger,
		path:         path,
		KeepVersions: defaultKeepVersions,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// encodeTime serializes a timestamp for storage. All stored timestamps are
// UTC in the fixed-width layout so TEXT comparison matches time comparison.
func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// decodeTime parses a stored timestamp.
func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// encodeTimePtr serializes an optional timestamp, mapping nil to SQL NULL.
func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

// decodeTimePtr parses an optional stored timestamp.
func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString maps an empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullStringPtr maps a nil pointer to SQL NULL.
func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// stringPtr converts a nullable column back to an optional string.
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// intPtr converts a nullable column back to an optional int.
func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// encodeJSON serializes tags, metadata, or dependency lists for storage.
// Nil and empty values store as NULL so absent stays distinguishable.
func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch vv := v.(type) {
	case []string:
		if len(vv) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(vv) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(raw), nil
}

// decodeJSON deserializes a nullable JSON column into out.
func decodeJSON(ns sql.NullString, out any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), out); err != nil {
		return fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}
	return nil
}

// bumpUpdatedAt returns the new updated_at for a row whose previous value is
// prev. The result is strictly after prev even if the wall clock stalled or
// stepped backwards, keeping updated_at usable as an optimistic-lock token.
func bumpUpdatedAt(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
