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
	"errors"
	"fmt"
	"time"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// CreateSession records an LLM invocation. The ID is the session identifier
// the CLI emitted, so re-recording the same session upserts rather than
// failing on the primary key.
func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, run_id, iteration, mode, started_at,
			duration_seconds, status, items_added)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			duration_seconds = excluded.duration_seconds,
			status = excluded.status,
			items_added = excluded.items_added`,
		session.ID, session.RunID, session.Iteration, session.Mode,
		encodeTime(session.StartedAt), session.DurationSeconds,
		session.Status, session.ItemsAdded)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", session.ID, err)
	}
	return nil
}

// UpdateSession overwrites the mutable fields of an existing session.
func (s *Store) UpdateSession(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET duration_seconds = ?, status = ?, items_added = ?
		WHERE id = ?`,
		session.DurationSeconds, session.Status, session.ItemsAdded, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read session update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %q: %w", session.ID, ErrNotFound)
	}
	return nil
}

// ListSessionsByRun returns a run's sessions in iteration order.
func (s *Store) ListSessionsByRun(ctx context.Context, runID string) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, iteration, mode, started_at, duration_seconds,
			status, items_added
		FROM sessions WHERE run_id = ? ORDER BY iteration, started_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		var (
			session   types.Session
			startedAt string
		)
		if err := rows.Scan(&session.ID, &session.RunID, &session.Iteration,
			&session.Mode, &startedAt, &session.DurationSeconds,
			&session.Status, &session.ItemsAdded); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if session.StartedAt, err = decodeTime(startedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}
