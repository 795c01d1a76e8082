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

package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

func testLoop(typ types.LoopType) *config.LoopConfig {
	cfg := &config.LoopConfig{Name: "build", Type: typ}
	cfg.Modes.Set("main", config.Mode{
		Model:              "sonnet",
		TimeoutSeconds:     300,
		PromptTemplatePath: "prompts/main.md",
	})
	cfg.ModeSelection = config.ModeSelection{Strategy: types.StrategyFixed, FixedMode: "main"}
	if typ == types.LoopTypeConsumer {
		cfg.ItemTypes = &config.ItemTypes{
			Input: &config.ItemTypeRef{Source: "plan", Singular: "story"},
		}
	}
	return cfg
}

func writeTemplate(t *testing.T, projectPath, content string) config.Mode {
	t.Helper()
	dir := filepath.Join(projectPath, "prompts")
	require.NoError(t, os.MkdirAll(dir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.md"), []byte(content), 0644))
	return config.Mode{Model: "sonnet", TimeoutSeconds: 300, PromptTemplatePath: "prompts/main.md"}
}

func resource(position types.InjectionPosition, content string) *types.Resource {
	return &types.Resource{
		Name:              "r-" + string(position),
		ResourceType:      types.ResourceTypeCustom,
		InjectionPosition: position,
		Enabled:           true,
		Content:           content,
	}
}

func TestBuildInjectsResourcesAtAnchors(t *testing.T) {
	project := t.TempDir()
	mode := writeTemplate(t, project, "Intro.\n{{design_doc}}\nMiddle.\n{{task}}\nDo the work.")

	b := NewBuilder(zaptest.NewLogger(t))
	out, err := b.Build(BuildInput{
		ProjectPath: project,
		Loop:        testLoop(types.LoopTypeConsumer),
		ModeName:    "main",
		Mode:        mode,
		Resources: map[types.InjectionPosition][]*types.Resource{
			types.PositionBeforePrompt:   {resource(types.PositionBeforePrompt, "GUARD FIRST")},
			types.PositionAfterDesignDoc: {resource(types.PositionAfterDesignDoc, "ARCH NOTES")},
			types.PositionBeforeTask:     {resource(types.PositionBeforeTask, "TASK RULES")},
			types.PositionAfterTask:      {resource(types.PositionAfterTask, "FINAL CHECKS")},
		},
		RunID:     "run-1",
		Iteration: 1,
	})
	require.NoError(t, err)

	// before_prompt leads, after_task trails.
	assert.True(t, strings.HasPrefix(out, "GUARD FIRST"))

	// after_design_doc lands right after its anchor.
	designIdx := strings.Index(out, "{{design_doc}}")
	archIdx := strings.Index(out, "ARCH NOTES")
	require.GreaterOrEqual(t, designIdx, 0)
	assert.Greater(t, archIdx, designIdx)
	assert.Less(t, archIdx, strings.Index(out, "Middle."))

	// before_task lands right before its anchor.
	taskIdx := strings.Index(out, "{{task}}")
	rulesIdx := strings.Index(out, "TASK RULES")
	assert.Less(t, rulesIdx, taskIdx)
	assert.Greater(t, rulesIdx, strings.Index(out, "Middle."))

	// after_task goes after the template body, before the marker.
	finalIdx := strings.Index(out, "FINAL CHECKS")
	assert.Greater(t, finalIdx, strings.Index(out, "Do the work."))
	assert.Less(t, finalIdx, strings.Index(out, "RALPHX_TRACKING"))
}

func TestBuildAnchorFallbacks(t *testing.T) {
	project := t.TempDir()
	mode := writeTemplate(t, project, "Plain template body.")

	b := NewBuilder(zaptest.NewLogger(t))
	out, err := b.Build(BuildInput{
		ProjectPath: project,
		Loop:        testLoop(types.LoopTypeConsumer),
		ModeName:    "main",
		Mode:        mode,
		Resources: map[types.InjectionPosition][]*types.Resource{
			types.PositionBeforePrompt:   {resource(types.PositionBeforePrompt, "GUARD")},
			types.PositionAfterDesignDoc: {resource(types.PositionAfterDesignDoc, "ARCH")},
			types.PositionBeforeTask:     {resource(types.PositionBeforeTask, "RULES")},
			types.PositionAfterTask:      {resource(types.PositionAfterTask, "CHECKS")},
		},
	})
	require.NoError(t, err)

	// Without anchors: before_prompt, then after_design_doc, then the
	// body, then before_task, then after_task.
	order := []string{"GUARD", "ARCH", "Plain template body.", "RULES", "CHECKS"}
	last := -1
	for _, want := range order {
		idx := strings.Index(out, want)
		require.GreaterOrEqual(t, idx, 0, "missing %q", want)
		assert.Greater(t, idx, last, "%q out of order", want)
		last = idx
	}
}

func TestBuildMissingTemplateFails(t *testing.T) {
	b := NewBuilder(zaptest.NewLogger(t))
	_, err := b.Build(BuildInput{
		ProjectPath: t.TempDir(),
		Loop:        testLoop(types.LoopTypeConsumer),
		ModeName:    "main",
		Mode:        config.Mode{PromptTemplatePath: "prompts/missing.md"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt template")
}

func TestConsumerSubstitution(t *testing.T) {
	project := t.TempDir()
	mode := writeTemplate(t, project,
		"Item: {{input_item.title}}\nBody: {{input_item.content}}\nAlias: {{input_item}}\nMeta: {{input_item.metadata}}\nFrom: {{source_loop}}")

	item := &types.WorkItem{
		ID:       "FND-001",
		Title:    "Login form",
		Content:  "Build the login form",
		Metadata: map[string]any{"effort": "small"},
	}

	b := NewBuilder(zaptest.NewLogger(t))
	out, err := b.Build(BuildInput{
		ProjectPath: project,
		Loop:        testLoop(types.LoopTypeConsumer),
		ModeName:    "main",
		Mode:        mode,
		Item:        item,
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Item: Login form")
	assert.Contains(t, out, "Body: Build the login form")
	assert.Contains(t, out, "Alias: Build the login form")
	assert.Contains(t, out, `"effort":"small"`)
	assert.Contains(t, out, "From: plan")
	assert.NotContains(t, out, "{{input_item")
}

func TestSubstitutionValuesCannotInjectPlaceholders(t *testing.T) {
	project := t.TempDir()
	mode := writeTemplate(t, project, "Work: {{input_item}} from {{source_loop}}")

	item := &types.WorkItem{
		ID:      "FND-002",
		Content: "sneaky {{source_loop}} payload",
	}

	b := NewBuilder(zaptest.NewLogger(t))
	out, err := b.Build(BuildInput{
		ProjectPath: project,
		Loop:        testLoop(types.LoopTypeConsumer),
		ModeName:    "main",
		Mode:        mode,
		Item:        item,
	})
	require.NoError(t, err)

	// The legit anchor was substituted, the smuggled one was defused.
	assert.Contains(t, out, "from plan")
	assert.NotContains(t, out, "sneaky plan payload")
	assert.Contains(t, out, "sneaky {​{source_loop}​} payload")
}

func TestBatchSectionListsEveryItem(t *testing.T) {
	project := t.TempDir()
	mode := writeTemplate(t, project, "Process the batch: {{input_item}}")

	batch := []*types.WorkItem{
		{ID: "FND-001", Title: "First", Content: "one"},
		{ID: "FND-002", Title: "Second", Content: "two"},
		{ID: "FND-003", Content: "three"},
	}

	b := NewBuilder(zaptest.NewLogger(t))
	out, err := b.Build(BuildInput{
		ProjectPath: project,
		Loop:        testLoop(types.LoopTypeConsumer),
		ModeName:    "main",
		Mode:        mode,
		Batch:       batch,
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Process the batch: one", "first item doubles as the claimed item")
	assert.Contains(t, out, "## Batch: 3 items")
	assert.Contains(t, out, "### FND-001: First")
	assert.Contains(t, out, "### FND-002: Second")
	assert.Contains(t, out, "### FND-003: (untitled)")
	assert.Contains(t, out, "three")
}

func TestSingleItemBatchSkipsBatchSection(t *testing.T) {
	project := t.TempDir()
	mode := writeTemplate(t, project, "Work: {{input_item}}")

	b := NewBuilder(zaptest.NewLogger(t))
	out, err := b.Build(BuildInput{
		ProjectPath: project,
		Loop:        testLoop(types.LoopTypeConsumer),
		ModeName:    "main",
		Mode:        mode,
		Batch:       []*types.WorkItem{{ID: "FND-001", Content: "solo"}},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Work: solo")
	assert.NotContains(t, out, "## Batch:")
}

func TestBuildAppendsTrackingMarker(t *testing.T) {
	project := t.TempDir()
	mode := writeTemplate(t, project, "Body.")
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	b := NewBuilder(zaptest.NewLogger(t))
	out, err := b.Build(BuildInput{
		ProjectPath: project,
		Loop:        testLoop(types.LoopTypeGenerator),
		ModeName:    "main",
		Mode:        mode,
		RunID:       "run-42",
		Iteration:   7,
		Now:         ts,
	})
	require.NoError(t, err)

	assert.Contains(t, out, `run_id="run-42"`)
	assert.Contains(t, out, "iteration=7")
	assert.Contains(t, out, `mode="main"`)
	assert.Contains(t, out, `ts="2026-03-14T09:30:00Z"`)
	assert.True(t, strings.HasSuffix(strings.TrimRight(out, "\n"), "-->"))
}
