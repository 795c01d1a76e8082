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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// setupTestStore opens a store on a fresh temporary database.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "state.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// tableExists checks whether a table with the given name exists.
func tableExists(t *testing.T, s *Store, tableName string) bool {
	t.Helper()
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	require.NoError(t, err)
	return count > 0
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ralphx", "state.db")
	ctx := context.Background()

	s, err := Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(),
		"state database should be owner-only")

	for _, table := range []string{
		"schema_migrations",
		"work_items",
		"runs",
		"sessions",
		"resources",
		"resource_versions",
		"checkpoints",
		"logs",
	} {
		assert.True(t, tableExists(t, s, table), "table %q should exist", table)
	}

	var journalMode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	s1, err := Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s1.CreateWorkItem(ctx, itemFixture("keep-001")))
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s2.Close()

	item, err := s2.GetWorkItem(ctx, "keep-001")
	require.NoError(t, err)
	assert.Equal(t, "keep-001", item.ID, "reopen must not re-run migrations destructively")

	migrator, err := NewMigrator(s2.db, nil)
	require.NoError(t, err)
	pending, err := migrator.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMigrateDown(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	migrator, err := NewMigrator(s.db, nil)
	require.NoError(t, err)

	require.NoError(t, migrator.MigrateDown(ctx, 1))
	assert.False(t, tableExists(t, s, "work_items"))

	version, err := migrator.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestTimeEncodingOrdersLexicographically(t *testing.T) {
	// Fixed-width encoding keeps TEXT comparison consistent with time
	// comparison, including for timestamps with zero fractional seconds.
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	later := base.Add(500 * time.Millisecond)

	assert.Less(t, encodeTime(base), encodeTime(later))

	decoded, err := decodeTime(encodeTime(base))
	require.NoError(t, err)
	assert.True(t, decoded.Equal(base))
}

func TestBumpUpdatedAtIsMonotonic(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	bumped := bumpUpdatedAt(future)
	assert.True(t, bumped.After(future),
		"updated_at must advance even when the clock reads earlier than the row")
}
