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
)

// Claim operations. Exclusivity is enforced entirely by conditional UPDATE
// statements: the ownership check and the mutation are one statement, so two
// processes racing on the same row cannot both win. Callers that lose a
// claim race get (false, nil) and try the next candidate.

// ClaimWorkItem reserves an item for claimer. It succeeds iff the item is
// in a claimable status (pending or completed) and currently unclaimed.
// Claimer is "loop:runID" so stale claims can be traced to their run.
func (s *Store) ClaimWorkItem(ctx context.Context, id, claimer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := encodeTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'claimed', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'completed') AND claimed_by IS NULL`,
		claimer, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim work item %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return affected == 1, nil
}

// ReleaseWorkItemClaim returns a claimed item to the pool. The status is
// restored to completed when the item was produced by a generator loop
// (source_loop set) and to pending otherwise, so produced items stay ready
// for consumption across consumer retries.
func (s *Store) ReleaseWorkItemClaim(ctx context.Context, id, expectedClaimer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = CASE WHEN source_loop IS NOT NULL THEN 'completed' ELSE 'pending' END,
		    claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'claimed' AND claimed_by = ?`,
		encodeTime(time.Now().UTC()), id, expectedClaimer)
	if err != nil {
		return false, fmt.Errorf("failed to release claim on %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read release result: %w", err)
	}
	return affected == 1, nil
}

// MarkWorkItemProcessed records successful processing. The claim bookkeeping
// (claimed_by, claimed_at) is kept as provenance of which run processed it.
func (s *Store) MarkWorkItemProcessed(ctx context.Context, id, claimer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := encodeTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'processed', processed_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		now, now, id, claimer)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s processed: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read processed result: %w", err)
	}
	return affected == 1, nil
}

// MarkWorkItemDuplicate resolves a claimed item as a duplicate of another.
func (s *Store) MarkWorkItemDuplicate(ctx context.Context, id, claimer, duplicateOf string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'duplicate', duplicate_of = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		duplicateOf, encodeTime(time.Now().UTC()), id, claimer)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s duplicate: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read duplicate result: %w", err)
	}
	return affected == 1, nil
}

// MarkWorkItemSkipped resolves a claimed item as intentionally skipped.
func (s *Store) MarkWorkItemSkipped(ctx context.Context, id, claimer, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'skipped', skip_reason = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		reason, encodeTime(time.Now().UTC()), id, claimer)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s skipped: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read skip result: %w", err)
	}
	return affected == 1, nil
}

// MarkWorkItemFailed records a failed processing attempt without releasing
// the terminal outcome back into the pool.
func (s *Store) MarkWorkItemFailed(ctx context.Context, id, claimer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'failed', updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		encodeTime(time.Now().UTC()), id, claimer)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s failed: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read failure result: %w", err)
	}
	return affected == 1, nil
}

// MarkWorkItemExternal hands a claimed item off to an external system. The
// system name is merged into the item metadata under external_system. The
// read-merge-write runs inside a transaction under the store write lock;
// the final UPDATE still re-checks ownership.
func (s *Store) MarkWorkItemExternal(ctx context.Context, id, claimer, externalSystem string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var metaCol sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT metadata FROM work_items WHERE id = ? AND claimed_by = ?",
		id, claimer).Scan(&metaCol)
	if errors.Is(err, sql.ErrNoRows) {
		// The claim is not ours, or the item is gone.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read metadata for %s: %w", id, err)
	}

	metadata := make(map[string]any)
	if metaCol.Valid && metaCol.String != "" {
		if err := json.Unmarshal([]byte(metaCol.String), &metadata); err != nil {
			return false, fmt.Errorf("failed to unmarshal metadata for %s: %w", id, err)
		}
	}
	metadata["external_system"] = externalSystem
	raw, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metadata for %s: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'external', metadata = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		string(raw), encodeTime(time.Now().UTC()), id, claimer)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s external: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read external result: %w", err)
	}
	if affected != 1 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit external handoff: %w", err)
	}
	return true, nil
}

// ReleaseStaleClaims releases every claim older than maxAge, restoring the
// status per the source_loop rule. Crashed executors leave claims behind;
// the doctor and the run startup path call this to unblock those items.
func (s *Store) ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cutoff := encodeTime(now.Add(-maxAge))
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = CASE WHEN source_loop IS NOT NULL THEN 'completed' ELSE 'pending' END,
		    claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'claimed' AND claimed_at < ?`,
		encodeTime(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read stale release result: %w", err)
	}
	return released, nil
}

// ReleaseClaimsByClaimer releases every claim held under one claimer
// identity, restoring the status per the source_loop rule. The doctor
// calls this when it aborts a stale run so the items that run was holding
// return to the pool immediately.
func (s *Store) ReleaseClaimsByClaimer(ctx context.Context, claimer string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = CASE WHEN source_loop IS NOT NULL THEN 'completed' ELSE 'pending' END,
		    claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'claimed' AND claimed_by = ?`,
		encodeTime(time.Now().UTC()), claimer)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims for %s: %w", claimer, err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read claimer release result: %w", err)
	}
	return released, nil
}

// ReleaseClaimsByLoop releases every claim held by any run of the named
// loop. Used when a loop is deleted so its held items do not stay blocked.
// Claimers are "loop:runID"; substr comparison avoids LIKE wildcard rules
// (loop names may contain underscores).
func (s *Store) ReleaseClaimsByLoop(ctx context.Context, loopName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := loopName + ":"
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = CASE WHEN source_loop IS NOT NULL THEN 'completed' ELSE 'pending' END,
		    claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'claimed' AND substr(claimed_by, 1, ?) = ?`,
		encodeTime(time.Now().UTC()), len(prefix), prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims for loop %s: %w", loopName, err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read loop release result: %w", err)
	}
	return released, nil
}
