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

package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/depgraph"
	"github.com/ralphx-dev/ralphx/pkg/store"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

const (
	// claimAttempts bounds the retries after losing a claim race.
	claimAttempts = 5

	// candidateLimit caps how many unclaimed items one selection round
	// considers.
	candidateLimit = 100

	// maxBatchSize caps batch mode regardless of configuration.
	maxBatchSize = 50
)

// claimBatch claims up to the configured batch size. An empty result means
// no claimable work exists right now. A partially claimed batch is released
// if a later claim round errors, so failures never strand items.
func (e *Executor) claimBatch(ctx context.Context, claimer string) ([]*types.WorkItem, error) {
	size := e.cfg.BatchSize
	if size <= 0 {
		size = 1
	}
	if size > maxBatchSize {
		e.logger.Warn("batch size capped",
			zap.Int("configured", size),
			zap.Int("cap", maxBatchSize))
		size = maxBatchSize
	}

	var claimed []*types.WorkItem
	for len(claimed) < size {
		item, err := e.nextItem(ctx, claimer)
		if err != nil {
			e.releaseClaims(ctx, claimed, claimer)
			return nil, err
		}
		if item == nil {
			break
		}
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// nextItem selects and claims one item. A nil item without error means no
// claimable work right now, including the case where another consumer kept
// winning the race for claimAttempts rounds.
func (e *Executor) nextItem(ctx context.Context, claimer string) (*types.WorkItem, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		candidate, err := e.selectCandidate(ctx)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		ok, err := e.store.ClaimWorkItem(ctx, candidate.ID, claimer)
		if err != nil {
			return nil, err
		}
		if ok {
			return candidate, nil
		}
		// Another consumer claimed it between the query and the update.
		e.sleep(ctx, time.Duration(attempt+1)*10*time.Millisecond)
	}
	e.logger.Warn("gave up claiming after repeated races",
		zap.Int("attempts", claimAttempts))
	return nil, nil
}

// selectCandidate runs the selection pipeline: candidate query, phase
// filter, dependency-readiness intersection.
func (e *Executor) selectCandidate(ctx context.Context) (*types.WorkItem, error) {
	candidates, err := e.store.ListWorkItems(ctx, store.ItemFilter{
		SourceLoop:    e.cfg.SourceLoop(),
		Status:        types.ItemStatusCompleted,
		Category:      e.cfg.CategoryFilter,
		ClaimableOnly: true,
		NewestFirst:   true,
		Limit:         candidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list claim candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	multiPhase := e.cfg.MultiPhase != nil && e.cfg.MultiPhase.Enabled
	if !multiPhase && !e.cfg.RespectDependencies {
		return candidates[0], nil
	}

	// Both filters need the full source-loop item set, refreshed every
	// round because producers keep appending.
	all, err := e.store.ListWorkItems(ctx, store.ItemFilter{SourceLoop: e.cfg.SourceLoop()})
	if err != nil {
		return nil, fmt.Errorf("failed to load source loop items: %w", err)
	}
	graph := depgraph.Build(all, e.logger)

	if multiPhase {
		if phaseSet := e.currentPhaseSet(graph, all); phaseSet != nil {
			kept := candidates[:0]
			for _, c := range candidates {
				if phaseSet[c.ID] {
					kept = append(kept, c)
				}
			}
			candidates = kept
			if len(candidates) == 0 {
				return nil, nil
			}
		}
	}

	if e.cfg.RespectDependencies {
		done := make(map[string]bool, len(all))
		for _, item := range all {
			if item.Status.Done() {
				done[item.ID] = true
			}
		}
		ready := graph.ReadySet(done)

		kept := make([]*types.WorkItem, 0, len(candidates))
		for _, c := range candidates {
			if ready[c.ID] {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			if graph.HasCycle() {
				e.logger.Warn("dependency graph has a cycle, ignoring ordering for this claim",
					zap.String("loop", e.cfg.Name))
				return candidates[0], nil
			}
			return nil, nil
		}
		candidates = kept
	}

	return candidates[0], nil
}

// currentPhaseSet returns the ID set of the first phase that still has
// unfinished items, or nil when phases cannot be computed or all work is
// done. Claimed items hold their phase open until they resolve.
func (e *Executor) currentPhaseSet(graph *depgraph.Graph, all []*types.WorkItem) map[string]bool {
	mp := e.cfg.MultiPhase

	var phases []depgraph.Phase
	switch {
	case mp.AutoPhase:
		var err error
		phases, err = graph.DetectPhases(mp.MaxBatchSize)
		if err != nil {
			e.logger.Warn("phase detection failed, skipping phase filter",
				zap.String("loop", e.cfg.Name),
				zap.Error(err))
			return nil
		}
	case len(mp.CategoryToPhase) > 0:
		phases = graph.PhasesFromCategories(mp.CategoryToPhase)
	default:
		return nil
	}

	byID := make(map[string]*types.WorkItem, len(all))
	for _, item := range all {
		byID[item.ID] = item
	}

	for _, phase := range phases {
		for _, id := range phase.Items {
			item := byID[id]
			if item == nil || item.Status.Done() {
				continue
			}
			set := make(map[string]bool, len(phase.Items))
			for _, pid := range phase.Items {
				set[pid] = true
			}
			return set
		}
	}
	return nil
}

// releaseClaims returns items to the pool. Rows this run no longer holds
// (already resolved, reaped) are skipped by the conditional update.
func (e *Executor) releaseClaims(ctx context.Context, items []*types.WorkItem, claimer string) {
	for _, item := range items {
		if _, err := e.store.ReleaseWorkItemClaim(ctx, item.ID, claimer); err != nil {
			e.logger.Warn("failed to release claim",
				zap.String("item", item.ID),
				zap.Error(err))
		}
	}
}
