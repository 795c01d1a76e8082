// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

const generatorYAML = `
name: story-gen
type: generator
modes:
  turbo:
    model: sonnet
    timeout: 300
    prompt_template_path: prompts/turbo.md
  deep:
    model: opus
    timeout: 600
    prompt_template_path: prompts/deep.md
    tools: []
mode_selection:
  strategy: weighted_random
  weights:
    turbo: 80
    deep: 20
limits:
  max_iterations: 50
  max_runtime_seconds: 0
  max_consecutive_errors: 5
  cooldown_between_iterations: 10
item_types:
  output:
    singular: story
    plural: stories
`

const consumerYAML = `
name: story-impl
type: consumer
modes:
  build:
    model: sonnet
    timeout: 900
    prompt_template_path: prompts/build.md
    tools: [Read, Edit, Bash]
mode_selection:
  strategy: fixed
  fixed_mode: build
limits:
  max_iterations: 100
  max_consecutive_errors: 3
  cooldown_between_iterations: 5
item_types:
  input:
    source: story-gen
    singular: story
    plural: stories
  output:
    singular: change
    plural: changes
respect_dependencies: true
`

func writeLoop(t *testing.T, project, name, content string) {
	t.Helper()
	require.NoError(t, EnsureProjectLayout(project))
	require.NoError(t, os.WriteFile(LoopConfigPath(project, name), []byte(content), 0644))
}

func TestLoadLoop(t *testing.T) {
	project := t.TempDir()
	writeLoop(t, project, "story-gen", generatorYAML)

	cfg, err := LoadLoop(project, "story-gen")
	require.NoError(t, err)

	assert.Equal(t, "story-gen", cfg.Name)
	assert.Equal(t, types.LoopTypeGenerator, cfg.Type)
	assert.Equal(t, []string{"turbo", "deep"}, cfg.Modes.Names(), "definition order preserved")

	turbo, ok := cfg.Modes.Get("turbo")
	require.True(t, ok)
	assert.Equal(t, "sonnet", turbo.Model)
	assert.Equal(t, 300, turbo.TimeoutSeconds)
	assert.Nil(t, turbo.Tools, "absent tools stays nil")

	deep, ok := cfg.Modes.Get("deep")
	require.True(t, ok)
	require.NotNil(t, deep.Tools, "empty tools list is distinct from absent")
	assert.Empty(t, *deep.Tools)

	assert.Equal(t, "story", cfg.OutputSingular())
	assert.Equal(t, 80, cfg.ModeSelection.Weights["turbo"])
}

func TestLoadLoopConsumer(t *testing.T) {
	project := t.TempDir()
	writeLoop(t, project, "story-impl", consumerYAML)

	cfg, err := LoadLoop(project, "story-impl")
	require.NoError(t, err)

	assert.Equal(t, types.LoopTypeConsumer, cfg.Type)
	assert.Equal(t, "story-gen", cfg.SourceLoop())
	assert.True(t, cfg.RespectDependencies)

	build, ok := cfg.Modes.Get("build")
	require.True(t, ok)
	require.NotNil(t, build.Tools)
	assert.Equal(t, []string{"Read", "Edit", "Bash"}, *build.Tools)
}

func TestLoadLoopNameMismatch(t *testing.T) {
	project := t.TempDir()
	writeLoop(t, project, "other-name", generatorYAML)

	_, err := LoadLoop(project, "other-name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares name")
}

func TestLoadLoopMissing(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, EnsureProjectLayout(project))

	_, err := LoadLoop(project, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadLoopRejectsTraversal(t *testing.T) {
	project := t.TempDir()

	for _, name := range []string{"../etc/passwd", "a/b", "NAME", "x..y", ""} {
		_, err := LoadLoop(project, name)
		assert.Error(t, err, "name %q should be rejected", name)
	}
}

func TestSaveLoopRoundTrip(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, EnsureProjectLayout(project))

	cfg, err := ParseLoop(generatorYAML)
	require.NoError(t, err)
	require.NoError(t, SaveLoop(project, cfg))

	loaded, err := LoadLoop(project, "story-gen")
	require.NoError(t, err)
	assert.Equal(t, cfg.Modes.Names(), loaded.Modes.Names(), "mode order survives a save/load cycle")
	assert.Equal(t, cfg.ModeSelection, loaded.ModeSelection)
	assert.Equal(t, cfg.Limits, loaded.Limits)
}

func TestListLoops(t *testing.T) {
	project := t.TempDir()
	writeLoop(t, project, "story-gen", generatorYAML)
	writeLoop(t, project, "story-impl", consumerYAML)

	configs, err := ListLoops(project)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "story-gen", configs[0].Name)
	assert.Equal(t, "story-impl", configs[1].Name)
}

func TestListLoopsReportsInvalid(t *testing.T) {
	project := t.TempDir()
	writeLoop(t, project, "story-gen", generatorYAML)
	writeLoop(t, project, "broken", "name: broken\ntype: nonsense\n")

	configs, err := ListLoops(project)
	assert.Error(t, err)
	require.Len(t, configs, 1, "valid loops still load")
	assert.Equal(t, "story-gen", configs[0].Name)
}

func TestDeleteLoop(t *testing.T) {
	project := t.TempDir()
	writeLoop(t, project, "story-gen", generatorYAML)

	require.True(t, LoopExists(project, "story-gen"))
	require.NoError(t, DeleteLoop(project, "story-gen"))
	assert.False(t, LoopExists(project, "story-gen"))

	err := DeleteLoop(project, "story-gen")
	assert.Error(t, err)
}

func TestExpandEnvVarsInLoopConfig(t *testing.T) {
	t.Setenv("RALPHX_TEST_MODEL", "opus")

	project := t.TempDir()
	writeLoop(t, project, "envloop", `
name: envloop
type: generator
modes:
  main:
    model: ${RALPHX_TEST_MODEL}
    timeout: 120
    prompt_template_path: prompts/main.md
mode_selection:
  strategy: fixed
  fixed_mode: main
limits:
  max_consecutive_errors: 5
`)

	cfg, err := LoadLoop(project, "envloop")
	require.NoError(t, err)
	mode, _ := cfg.Modes.Get("main")
	assert.Equal(t, "opus", mode.Model)
}
