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
	"time"

	"github.com/google/uuid"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

const runColumns = `id, loop_name, status, started_at, completed_at,
	iterations_completed, items_generated, error_message, executor_pid,
	last_activity_at`

// CreateRun starts a new run record for a loop. The run begins active with
// last_activity_at stamped so the stale-run doctor has a baseline.
func (s *Store) CreateRun(ctx context.Context, loopName string) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	run := &types.Run{
		ID:             uuid.NewString(),
		LoopName:       loopName,
		Status:         types.RunStatusActive,
		StartedAt:      now,
		LastActivityAt: &now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, loop_name, status, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.LoopName, string(run.Status), encodeTime(now), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create run for loop %s: %w", loopName, err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetActiveRun returns the most recent non-terminal run for a loop, or
// ErrNotFound when none is active or paused.
func (s *Store) GetActiveRun(ctx context.Context, loopName string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE loop_name = ? AND status IN ('active', 'paused')
		ORDER BY started_at DESC LIMIT 1`, loopName)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active run for loop %q: %w", loopName, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs, newest first, optionally filtered by loop.
func (s *Store) ListRuns(ctx context.Context, loopName string, limit int) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + runColumns + " FROM runs"
	var args []any
	if loopName != "" {
		query += " WHERE loop_name = ?"
		args = append(args, loopName)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListUnfinishedRuns returns every run still marked active or paused.
// The doctor inspects these for dead processes and missing heartbeats.
func (s *Store) ListUnfinishedRuns(ctx context.Context) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE status IN ('active', 'paused') ORDER BY started_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions a run. Terminal statuses stamp completed_at;
// errorMessage is recorded when non-empty.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status types.RunStatus, errorMessage string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid run status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := encodeTime(time.Now().UTC())
	var completedAt any
	if status.Terminal() {
		completedAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?,
		    completed_at = COALESCE(?, completed_at),
		    error_message = COALESCE(?, error_message),
		    last_activity_at = ?
		WHERE id = ?`,
		string(status), completedAt, nullString(errorMessage), now, id)
	if err != nil {
		return fmt.Errorf("failed to update run %s status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read status update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementRunCounters adds to the run's progress counters in a single
// statement. Counters only grow; read-modify-write would race with other
// processes observing the run.
func (s *Store) IncrementRunCounters(ctx context.Context, id string, iterations, items int) error {
	if iterations < 0 || items < 0 {
		return fmt.Errorf("counter increments must be non-negative (got %d, %d)", iterations, items)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET iterations_completed = iterations_completed + ?,
		    items_generated = items_generated + ?,
		    last_activity_at = ?
		WHERE id = ?`,
		iterations, items, encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to increment run %s counters: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read counter result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return nil
}

// TouchRunActivity stamps the run heartbeat. Called at every iteration
// boundary, including no-op iterations, so a live executor is always
// distinguishable from a crashed one.
func (s *Store) TouchRunActivity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET last_activity_at = ? WHERE id = ?",
		encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to touch run %s activity: %w", id, err)
	}
	return nil
}

// SetRunPID records the executor's process ID for the doctor's liveness
// check.
func (s *Store) SetRunPID(ctx context.Context, id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET executor_pid = ? WHERE id = ?", pid, id)
	if err != nil {
		return fmt.Errorf("failed to set run %s pid: %w", id, err)
	}
	return nil
}

func scanRun(row rowScanner) (*types.Run, error) {
	var (
		run          types.Run
		status       string
		startedAt    string
		completedAt  sql.NullString
		errorMessage sql.NullString
		executorPID  sql.NullInt64
		lastActivity sql.NullString
	)

	err := row.Scan(
		&run.ID, &run.LoopName, &status, &startedAt, &completedAt,
		&run.IterationsCompleted, &run.ItemsGenerated, &errorMessage,
		&executorPID, &lastActivity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Status = types.RunStatus(status)
	run.ErrorMessage = stringPtr(errorMessage)
	run.ExecutorPID = intPtr(executorPID)

	if run.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	if run.LastActivityAt, err = decodeTimePtr(lastActivity); err != nil {
		return nil, err
	}
	return &run, nil
}
