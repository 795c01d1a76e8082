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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// resourceFixture builds an enabled coding-standards resource.
func resourceFixture(name string) *types.Resource {
	return &types.Resource{
		Name:           name,
		ResourceType:   types.ResourceTypeCodingStandards,
		Priority:       100,
		Enabled:        true,
		InheritDefault: true,
		FilePath:       "resources/coding_standards/" + name + ".md",
		Content:        "content of " + name,
	}
}

func TestCreateAndGetResource(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := resourceFixture("go-style")
	require.NoError(t, s.CreateResource(ctx, r))
	assert.NotEmpty(t, r.ID, "create assigns an ID")

	got, err := s.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "go-style", got.Name)
	assert.Equal(t, types.PositionBeforeTask, got.InjectionPosition, "position defaults")
	assert.True(t, got.Enabled)

	byName, err := s.GetResourceByName(ctx, types.ResourceTypeCodingStandards, "go-style")
	require.NoError(t, err)
	assert.Equal(t, r.ID, byName.ID)

	// (type, name) is unique.
	assert.Error(t, s.CreateResource(ctx, resourceFixture("go-style")))
}

func TestListResources(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := resourceFixture("aa-early")
	first.Priority = 1
	second := resourceFixture("zz-late")
	second.Priority = 50
	disabled := resourceFixture("off")
	disabled.Enabled = false
	design := resourceFixture("main")
	design.ResourceType = types.ResourceTypeDesignDoc

	for _, r := range []*types.Resource{second, first, disabled, design} {
		require.NoError(t, s.CreateResource(ctx, r))
	}

	all, err := s.ListResources(ctx, ResourceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	std, err := s.ListResources(ctx, ResourceFilter{
		Type:        types.ResourceTypeCodingStandards,
		EnabledOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, std, 2)
	assert.Equal(t, "aa-early", std[0].Name, "priority orders within a type")
	assert.Equal(t, "zz-late", std[1].Name)
}

func TestUpdateResourceSnapshotsPriorContent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := resourceFixture("versioned")
	require.NoError(t, s.CreateResource(ctx, r))

	updated, err := s.UpdateResource(ctx, r.ID,
		map[string]any{"content": "second draft"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second draft", updated.Content)
	assert.True(t, updated.UpdatedAt.After(r.UpdatedAt), "updated_at moves forward")

	versions, err := s.ListResourceVersions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "content of versioned", versions[0].Content,
		"the snapshot holds the pre-update content")
	assert.Equal(t, "versioned", versions[0].Name)
}

func TestUpdateResourceRenameSnapshots(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := resourceFixture("old-name")
	require.NoError(t, s.CreateResource(ctx, r))

	_, err := s.UpdateResource(ctx, r.ID, map[string]any{"name": "new-name"}, nil)
	require.NoError(t, err)

	versions, err := s.ListResourceVersions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "old-name", versions[0].Name)
}

func TestUpdateResourceMetadataOnlySkipsSnapshot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := resourceFixture("meta-only")
	require.NoError(t, s.CreateResource(ctx, r))

	_, err := s.UpdateResource(ctx, r.ID, map[string]any{
		"priority": 5,
		"enabled":  false,
	}, nil)
	require.NoError(t, err)

	versions, err := s.ListResourceVersions(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, versions, "no snapshot when neither content nor name changed")
}

func TestUpdateResourceOptimisticLock(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := resourceFixture("contested")
	require.NoError(t, s.CreateResource(ctx, r))
	current, err := s.GetResource(ctx, r.ID)
	require.NoError(t, err)

	// Two writers read the same updated_at; the first wins.
	stale := current.UpdatedAt
	winner, err := s.UpdateResource(ctx, r.ID,
		map[string]any{"content": "winner content"}, &stale)
	require.NoError(t, err)

	_, err = s.UpdateResource(ctx, r.ID,
		map[string]any{"content": "loser content"}, &stale)
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Current.UpdatedAt.Equal(winner.UpdatedAt),
		"conflict carries the successor's updated_at")
	assert.Equal(t, "winner content", conflict.Current.Content)

	// The rejected write left no trace: one snapshot, winner's content.
	versions, err := s.ListResourceVersions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	got, err := s.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "winner content", got.Content)

	// Retrying with the fresh token succeeds.
	fresh := conflict.Current.UpdatedAt
	_, err = s.UpdateResource(ctx, r.ID,
		map[string]any{"content": "retry content"}, &fresh)
	assert.NoError(t, err)
}

func TestUpdateResourceWhitelist(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := resourceFixture("locked-down")
	require.NoError(t, s.CreateResource(ctx, r))

	_, err := s.UpdateResource(ctx, r.ID, map[string]any{"resource_type": "custom"}, nil)
	assert.ErrorContains(t, err, "not updatable")

	_, err = s.UpdateResource(ctx, r.ID, map[string]any{"injection_position": "sideways"}, nil)
	assert.ErrorContains(t, err, "invalid injection position")

	_, err = s.UpdateResource(ctx, "missing", map[string]any{"content": "x"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResourceVersionPruning(t *testing.T) {
	s := setupTestStore(t)
	s.KeepVersions = 3
	ctx := context.Background()

	r := resourceFixture("pruned")
	require.NoError(t, s.CreateResource(ctx, r))

	for i := 0; i < 6; i++ {
		_, err := s.UpdateResource(ctx, r.ID,
			map[string]any{"content": fmt.Sprintf("draft %d", i)}, nil)
		require.NoError(t, err)
	}

	versions, err := s.ListResourceVersions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3, "prune keeps only the most recent snapshots")
	assert.Equal(t, "draft 4", versions[0].Content, "newest snapshot first")
	assert.Equal(t, "draft 3", versions[1].Content)
	assert.Equal(t, "draft 2", versions[2].Content)
}

func TestDeleteResourceCascadesVersions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := resourceFixture("doomed")
	require.NoError(t, s.CreateResource(ctx, r))
	_, err := s.UpdateResource(ctx, r.ID, map[string]any{"content": "v2"}, nil)
	require.NoError(t, err)

	versions, err := s.ListResourceVersions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	versionID := versions[0].ID

	require.NoError(t, s.DeleteResource(ctx, r.ID))

	_, err = s.GetResource(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetResourceVersion(ctx, versionID)
	assert.ErrorIs(t, err, ErrNotFound, "versions cascade with the resource")
}

func TestConflictErrorMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := resourceFixture("msg")
	require.NoError(t, s.CreateResource(ctx, r))
	current, err := s.GetResource(ctx, r.ID)
	require.NoError(t, err)

	stale := current.UpdatedAt.Add(-1)
	_, err = s.UpdateResource(ctx, r.ID, map[string]any{"content": "x"}, &stale)
	require.Error(t, err)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Contains(t, conflict.Error(), "modified concurrently")
}
