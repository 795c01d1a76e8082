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
	"fmt"
	"time"
)

// LogEntry is a persisted operational log line, kept separate from zap's
// process logging so run history survives process restarts.
type LogEntry struct {
	ID        int64
	Level     string
	Component string
	Message   string
	CreatedAt time.Time
}

// AppendLog records an operational event.
func (s *Store) AppendLog(ctx context.Context, level, component, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (level, component, message, created_at)
		VALUES (?, ?, ?, ?)`,
		level, component, message, encodeTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListRecentLogs returns the newest log entries, newest first.
func (s *Store) ListRecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, component, message, created_at
		FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			entry     LogEntry
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.Level, &entry.Component,
			&entry.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if entry.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteLogsBefore drops log rows older than cutoff and reports how many
// were removed. The maintenance scheduler calls this daily with a 30-day
// retention window.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM logs WHERE created_at < ?", encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old logs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read log cleanup result: %w", err)
	}
	return deleted, nil
}
