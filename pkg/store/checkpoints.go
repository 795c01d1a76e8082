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
	"time"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// SaveCheckpoint records a progress snapshot for a run and returns its
// rowid. State is free-form; the executor stores whatever it needs to
// resume counters after a crash.
func (s *Store) SaveCheckpoint(ctx context.Context, runID, name string, state map[string]any) (int64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, name, state, created_at)
		VALUES (?, ?, ?, ?)`,
		runID, name, string(raw), encodeTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to save checkpoint for run %s: %w", runID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint id: %w", err)
	}
	return id, nil
}

// GetLatestCheckpoint returns the newest checkpoint for a run.
func (s *Store) GetLatestCheckpoint(ctx context.Context, runID string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, state, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY id DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns a run's checkpoints, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, state, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for run %s: %w", runID, err)
	}
	defer rows.Close()

	var checkpoints []*types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

func scanCheckpoint(row rowScanner) (*types.Checkpoint, error) {
	var (
		cp        types.Checkpoint
		state     string
		createdAt string
	)

	err := row.Scan(&cp.ID, &cp.RunID, &cp.Name, &state, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	if cp.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &cp, nil
}
