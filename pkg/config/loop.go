// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ralphx-dev/ralphx/internal/ordered"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

// Mode is one (model, timeout, tools, template) tuple within a loop.
type Mode struct {
	Model              string `yaml:"model"`
	TimeoutSeconds     int    `yaml:"timeout"`
	PromptTemplatePath string `yaml:"prompt_template_path"`
	// Tools is tri-state: nil means the CLI's defaults, an empty list
	// denies all tools, a non-empty list is an allow list.
	Tools          *[]string `yaml:"tools,omitempty"`
	Phase          string    `yaml:"phase,omitempty"`
	JSONSchemaPath string    `yaml:"json_schema_path,omitempty"`
}

// ModeMap is an ordered mapping from mode name to Mode. YAML mappings lose
// definition order when decoded into a plain map; phase-aware selection
// walks modes in definition order, so the order is preserved explicitly.
type ModeMap struct {
	inner *ordered.Map[string, Mode]
}

// UnmarshalYAML decodes a YAML mapping, preserving key order.
func (m *ModeMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("modes must be a mapping, got %s", node.Tag)
	}
	m.inner = ordered.New[string, Mode]()
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if _, dup := m.inner.Get(name); dup {
			return fmt.Errorf("duplicate mode %q", name)
		}
		var mode Mode
		if err := node.Content[i+1].Decode(&mode); err != nil {
			return fmt.Errorf("failed to decode mode %q: %w", name, err)
		}
		m.inner.Set(name, mode)
	}
	return nil
}

// MarshalYAML encodes the mapping in definition order.
func (m ModeMap) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range m.Names() {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: name}
		valNode := &yaml.Node{}
		mode, _ := m.inner.Get(name)
		if err := valNode.Encode(&mode); err != nil {
			return nil, fmt.Errorf("failed to encode mode %q: %w", name, err)
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// Get returns the named mode.
func (m ModeMap) Get(name string) (Mode, bool) {
	if m.inner == nil {
		return Mode{}, false
	}
	return m.inner.Get(name)
}

// Set adds or replaces a mode, appending to the order when new.
func (m *ModeMap) Set(name string, mode Mode) {
	if m.inner == nil {
		m.inner = ordered.New[string, Mode]()
	}
	m.inner.Set(name, mode)
}

// Names returns the mode names in definition order.
func (m ModeMap) Names() []string {
	if m.inner == nil {
		return nil
	}
	return m.inner.Keys()
}

// Len returns the number of modes.
func (m ModeMap) Len() int {
	if m.inner == nil {
		return 0
	}
	return m.inner.Len()
}

// ModeSelection configures how a mode is picked each iteration.
type ModeSelection struct {
	Strategy  types.SelectionStrategy `yaml:"strategy"`
	FixedMode string                  `yaml:"fixed_mode,omitempty"`
	// Weights must sum to 100 when the strategy is weighted_random.
	Weights map[string]int `yaml:"weights,omitempty"`
}

// Limits bounds a run. Zero or negative disables a limit, except
// MaxConsecutiveErrors which always applies (default 5).
type Limits struct {
	MaxIterations             int `yaml:"max_iterations"`
	MaxRuntimeSeconds         int `yaml:"max_runtime_seconds"`
	MaxConsecutiveErrors      int `yaml:"max_consecutive_errors"`
	CooldownBetweenIterations int `yaml:"cooldown_between_iterations"`
}

// ItemTypeRef names the items a consumer loop draws from a source loop.
type ItemTypeRef struct {
	Source   string `yaml:"source"`
	Singular string `yaml:"singular,omitempty"`
	Plural   string `yaml:"plural,omitempty"`
}

// ItemTypeDef names the items a loop produces.
type ItemTypeDef struct {
	Singular string `yaml:"singular"`
	Plural   string `yaml:"plural"`
}

// ItemTypes declares a loop's input and output item vocabulary.
type ItemTypes struct {
	Input  *ItemTypeRef `yaml:"input,omitempty"`
	Output *ItemTypeDef `yaml:"output,omitempty"`
}

// MultiPhase configures phase-aware batch processing.
type MultiPhase struct {
	Enabled         bool           `yaml:"enabled"`
	AutoPhase       bool           `yaml:"auto_phase"`
	MaxBatchSize    int            `yaml:"max_batch_size,omitempty"`
	CategoryToPhase map[string]int `yaml:"category_to_phase,omitempty"`
}

// ResourceSelection overrides which resources a loop injects. Resources
// flagged inherit_default are included unless excluded here; anything in
// Include is added regardless of the inherit flag.
type ResourceSelection struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// LoopConfig is the declarative specification of a loop.
type LoopConfig struct {
	Name                string              `yaml:"name"`
	Type                types.LoopType      `yaml:"type"`
	Description         string              `yaml:"description,omitempty"`
	Modes               ModeMap             `yaml:"modes"`
	ModeSelection       ModeSelection       `yaml:"mode_selection"`
	Limits              Limits              `yaml:"limits"`
	ItemTypes           *ItemTypes          `yaml:"item_types,omitempty"`
	MultiPhase          *MultiPhase         `yaml:"multi_phase,omitempty"`
	RespectDependencies bool                `yaml:"respect_dependencies,omitempty"`
	CategoryFilter      string              `yaml:"category_filter,omitempty"`
	BatchSize           int                 `yaml:"batch_size,omitempty"`
	Resources           *ResourceSelection  `yaml:"resources,omitempty"`
	CheckpointEvery     int                 `yaml:"checkpoint_every,omitempty"`
}

// OutputSingular returns the singular item type this loop produces,
// defaulting to "item".
func (c *LoopConfig) OutputSingular() string {
	if c.ItemTypes != nil && c.ItemTypes.Output != nil && c.ItemTypes.Output.Singular != "" {
		return c.ItemTypes.Output.Singular
	}
	return "item"
}

// SourceLoop returns the consumer's source loop name, or "".
func (c *LoopConfig) SourceLoop() string {
	if c.ItemTypes != nil && c.ItemTypes.Input != nil {
		return c.ItemTypes.Input.Source
	}
	return ""
}

// LoadLoop reads and validates a loop configuration from the project's
// loops directory. Environment variables in the file are expanded before
// parsing.
func LoadLoop(projectPath, name string) (*LoopConfig, error) {
	if err := ValidateLoopName(name); err != nil {
		return nil, err
	}
	path := LoopConfigPath(projectPath, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("loop %q not found: %w", name, err)
		}
		return nil, fmt.Errorf("failed to read loop config %s: %w", path, err)
	}

	cfg, err := ParseLoop(expandEnvVars(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid loop config %s: %w", path, err)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Name != name {
		return nil, fmt.Errorf("loop config %s declares name %q, expected %q", path, cfg.Name, name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseLoop decodes a loop configuration from YAML without validating it.
func ParseLoop(data string) (*LoopConfig, error) {
	var cfg LoopConfig
	if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse loop YAML: %w", err)
	}
	return &cfg, nil
}

// SaveLoop validates and writes a loop configuration.
func SaveLoop(projectPath string, cfg *LoopConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(LoopsDir(projectPath), 0750); err != nil {
		return fmt.Errorf("failed to create loops directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal loop config: %w", err)
	}
	path := LoopConfigPath(projectPath, cfg.Name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write loop config %s: %w", path, err)
	}
	return nil
}

// ListLoops loads every loop configuration in the project. Invalid files
// are reported together after the valid ones load.
func ListLoops(projectPath string) ([]*LoopConfig, error) {
	matches, err := filepath.Glob(filepath.Join(LoopsDir(projectPath), "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list loops: %w", err)
	}
	sort.Strings(matches)

	var configs []*LoopConfig
	var errs []error
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		cfg, err := LoadLoop(projectPath, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, errors.Join(errs...)
}

// DeleteLoop removes a loop configuration file.
func DeleteLoop(projectPath, name string) error {
	if err := ValidateLoopName(name); err != nil {
		return err
	}
	path := LoopConfigPath(projectPath, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("loop %q not found", name)
		}
		return fmt.Errorf("failed to delete loop config %s: %w", path, err)
	}
	return nil
}

// LoopExists reports whether a loop configuration file exists.
func LoopExists(projectPath, name string) bool {
	if ValidateLoopName(name) != nil {
		return false
	}
	_, err := os.Stat(LoopConfigPath(projectPath, name))
	return err == nil
}

// expandEnvVars expands environment variables in YAML content
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}
