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
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/store"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// claimExecutor wires just enough of an executor for claim-engine tests.
func claimExecutor(t *testing.T, st *store.Store, cfg *config.LoopConfig) *Executor {
	t.Helper()
	return &Executor{
		store:  st,
		cfg:    cfg,
		logger: zaptest.NewLogger(t),
		// #nosec G404 -- deterministic test rng
		rng:             rand.New(rand.NewSource(1)),
		phase1Succeeded: make(map[string]bool),
	}
}

func consumerConfig(source string) *config.LoopConfig {
	cfg := &config.LoopConfig{
		Name: "builder",
		Type: types.LoopTypeConsumer,
		ItemTypes: &config.ItemTypes{
			Input: &config.ItemTypeRef{Source: source, Singular: "story"},
		},
		ModeSelection: config.ModeSelection{Strategy: types.StrategyFixed},
	}
	cfg.Modes.Set("work", config.Mode{Model: "sonnet", TimeoutSeconds: 60, PromptTemplatePath: "prompt.md"})
	return cfg
}

// seedSource inserts a completed, claimable item produced by sourceLoop.
// Creation times are staggered so newest-first ordering is deterministic.
func seedSource(t *testing.T, st *store.Store, id, sourceLoop string, deps []string, age time.Duration) *types.WorkItem {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	item := &types.WorkItem{
		ID:           id,
		Content:      "content of " + id,
		Status:       types.ItemStatusCompleted,
		SourceLoop:   &sourceLoop,
		Dependencies: deps,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	require.NoError(t, st.CreateWorkItem(context.Background(), item))
	return item
}

func TestClaimBatchNoCandidates(t *testing.T) {
	st := openTestStore(t)
	e := claimExecutor(t, st, consumerConfig("planner"))

	claimed, err := e.claimBatch(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimBatchRespectsDependencyOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cfg := consumerConfig("planner")
	cfg.RespectDependencies = true
	e := claimExecutor(t, st, cfg)

	seedSource(t, st, "FND-001", "planner", nil, 3*time.Hour)
	seedSource(t, st, "FND-002", "planner", []string{"FND-001"}, 2*time.Hour)
	seedSource(t, st, "FND-003", "planner", []string{"FND-002"}, time.Hour)

	// Only the root of the chain is ready, even though newer items sort
	// ahead of it in the candidate query.
	claimed, err := e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "FND-001", claimed[0].ID)

	// A claimed-but-unresolved dependency still blocks its dependents.
	claimed, err = e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	ok, err := st.MarkWorkItemProcessed(ctx, "FND-001", "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err = e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "FND-002", claimed[0].ID)
}

func TestClaimBatchAutoPhaseFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cfg := consumerConfig("planner")
	cfg.MultiPhase = &config.MultiPhase{Enabled: true, AutoPhase: true}
	e := claimExecutor(t, st, cfg)

	seedSource(t, st, "T-001", "planner", nil, 3*time.Hour)
	seedSource(t, st, "T-002", "planner", nil, 2*time.Hour)
	seedSource(t, st, "T-003", "planner", []string{"T-001", "T-002"}, time.Hour)

	first := make(map[string]bool)
	for i := 0; i < 2; i++ {
		claimed, err := e.claimBatch(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		first[claimed[0].ID] = true
	}
	assert.Equal(t, map[string]bool{"T-001": true, "T-002": true}, first,
		"phase one items claim before the dependent item")

	// Claimed phase-one items hold the phase open until they resolve.
	claimed, err := e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	for _, id := range []string{"T-001", "T-002"} {
		ok, err := st.MarkWorkItemProcessed(ctx, id, "run-1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	claimed, err = e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "T-003", claimed[0].ID)
}

func TestClaimBatchCategoryPhases(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cfg := consumerConfig("planner")
	cfg.MultiPhase = &config.MultiPhase{
		Enabled:         true,
		CategoryToPhase: map[string]int{"INFRA": 1, "APP": 2},
	}
	e := claimExecutor(t, st, cfg)

	infra := seedSource(t, st, "INFRA-001", "planner", nil, 2*time.Hour)
	require.NoError(t, st.UpdateWorkItem(ctx, infra.ID, map[string]any{"category": "INFRA"}))
	app := seedSource(t, st, "APP-001", "planner", nil, time.Hour)
	require.NoError(t, st.UpdateWorkItem(ctx, app.ID, map[string]any{"category": "APP"}))

	claimed, err := e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "INFRA-001", claimed[0].ID)

	claimed, err = e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, claimed, "phase 2 waits for phase 1 to resolve")

	ok, err := st.MarkWorkItemProcessed(ctx, "INFRA-001", "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err = e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "APP-001", claimed[0].ID)
}

func TestClaimBatchCycleFallsBackToPlainOrder(t *testing.T) {
	st := openTestStore(t)
	cfg := consumerConfig("planner")
	cfg.RespectDependencies = true
	e := claimExecutor(t, st, cfg)

	seedSource(t, st, "C-001", "planner", []string{"C-002"}, 2*time.Hour)
	seedSource(t, st, "C-002", "planner", []string{"C-001"}, time.Hour)

	// Nothing is ready in a two-item cycle; the claim falls back to the
	// plain candidate order instead of starving the run.
	claimed, err := e.claimBatch(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "C-002", claimed[0].ID, "newest candidate wins the fallback")
}

func TestClaimBatchHonorsConfiguredSize(t *testing.T) {
	st := openTestStore(t)
	cfg := consumerConfig("planner")
	cfg.BatchSize = 3
	e := claimExecutor(t, st, cfg)

	for i := 0; i < 5; i++ {
		seedSource(t, st, fmt.Sprintf("B-%03d", i), "planner", nil, time.Duration(i)*time.Minute)
	}

	claimed, err := e.claimBatch(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	ids := make(map[string]bool, len(claimed))
	for _, item := range claimed {
		ids[item.ID] = true
	}
	assert.Len(t, ids, 3, "claims are distinct items")
}

func TestClaimBatchCapsOversizedConfig(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cfg := consumerConfig("planner")
	cfg.BatchSize = 200
	e := claimExecutor(t, st, cfg)

	items := make([]*types.WorkItem, 0, 60)
	source := "planner"
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 60; i++ {
		created := base.Add(time.Duration(i) * time.Second)
		items = append(items, &types.WorkItem{
			ID:         fmt.Sprintf("BULK-%03d", i),
			Content:    "bulk item",
			Status:     types.ItemStatusCompleted,
			SourceLoop: &source,
			CreatedAt:  created,
			UpdatedAt:  created,
		})
	}
	require.NoError(t, st.CreateWorkItems(ctx, items))

	claimed, err := e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, claimed, maxBatchSize)
}

func TestClaimBatchDrainsSmallerPool(t *testing.T) {
	st := openTestStore(t)
	cfg := consumerConfig("planner")
	cfg.BatchSize = 5
	e := claimExecutor(t, st, cfg)

	seedSource(t, st, "POOL-001", "planner", nil, 2*time.Minute)
	seedSource(t, st, "POOL-002", "planner", nil, time.Minute)

	claimed, err := e.claimBatch(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestNextItemSingleWinnerUnderContention(t *testing.T) {
	st := openTestStore(t)
	cfg := consumerConfig("planner")
	e := claimExecutor(t, st, cfg)

	seedSource(t, st, "RACE-001", "planner", nil, time.Minute)

	const racers = 8
	var wg sync.WaitGroup
	won := make(chan string, racers)
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			item, err := e.nextItem(context.Background(), fmt.Sprintf("run-%d", n))
			if err != nil {
				errs <- err
				return
			}
			if item != nil {
				won <- item.ID
			}
		}(i)
	}
	wg.Wait()
	close(won)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var winners []string
	for id := range won {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1, "exactly one racer claims the item")
	assert.Equal(t, "RACE-001", winners[0])
}

func TestReleaseClaimsRestoresPool(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cfg := consumerConfig("planner")
	cfg.BatchSize = 2
	e := claimExecutor(t, st, cfg)

	seedSource(t, st, "R-001", "planner", nil, 2*time.Minute)
	seedSource(t, st, "R-002", "planner", nil, time.Minute)

	claimed, err := e.claimBatch(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	e.releaseClaims(ctx, claimed, "run-1")

	claimable, err := st.ListWorkItems(ctx, store.ItemFilter{SourceLoop: "planner", ClaimableOnly: true})
	require.NoError(t, err)
	assert.Len(t, claimable, 2)
	for _, item := range claimable {
		assert.Nil(t, item.ClaimedBy)
		assert.Equal(t, types.ItemStatusCompleted, item.Status)
	}
}
