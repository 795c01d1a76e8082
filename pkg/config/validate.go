// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// ValidationError reports a single invalid loop-config field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// loopNameRe is slug form: lowercase letters, digits, underscore, hyphen.
var loopNameRe = regexp.MustCompile(`^[a-z0-9_-]{1,100}$`)

// ValidateLoopName rejects names that are not slug form or that could
// escape the loops directory.
func ValidateLoopName(name string) error {
	if name == "" {
		return invalid("name", "must not be empty")
	}
	if !loopNameRe.MatchString(name) {
		return invalid("name", "%q must match %s", name, loopNameRe.String())
	}
	// The pattern already excludes separators; keep an explicit traversal
	// check so a future pattern change cannot silently reopen it.
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return invalid("name", "%q must not contain path separators", name)
	}
	return nil
}

// Validate checks the structural invariants of a loop configuration.
func (c *LoopConfig) Validate() error {
	if err := ValidateLoopName(c.Name); err != nil {
		return err
	}
	if !c.Type.Valid() {
		return invalid("type", "%q is not a loop type", c.Type)
	}
	if c.Modes.Len() == 0 {
		return invalid("modes", "at least one mode is required")
	}
	for _, name := range c.Modes.Names() {
		mode, _ := c.Modes.Get(name)
		if mode.Model == "" {
			return invalid("modes."+name+".model", "model is required")
		}
		if mode.PromptTemplatePath == "" {
			return invalid("modes."+name+".prompt_template_path", "template path is required")
		}
		if mode.TimeoutSeconds <= 0 {
			return invalid("modes."+name+".timeout", "timeout must be positive, got %d", mode.TimeoutSeconds)
		}
	}

	if err := c.validateModeSelection(); err != nil {
		return err
	}

	if c.Type == types.LoopTypeConsumer {
		if c.SourceLoop() == "" {
			return invalid("item_types.input.source", "consumer loops require a source loop")
		}
	}
	if c.ItemTypes != nil && c.ItemTypes.Output != nil && c.ItemTypes.Output.Singular == "" {
		return invalid("item_types.output.singular", "singular name is required")
	}
	if c.BatchSize < 0 {
		return invalid("batch_size", "must not be negative")
	}
	if c.MultiPhase != nil && c.MultiPhase.MaxBatchSize < 0 {
		return invalid("multi_phase.max_batch_size", "must not be negative")
	}
	return nil
}

func (c *LoopConfig) validateModeSelection() error {
	sel := c.ModeSelection
	if !sel.Strategy.Valid() {
		return invalid("mode_selection.strategy", "%q is not a selection strategy", sel.Strategy)
	}

	switch sel.Strategy {
	case types.StrategyFixed, types.StrategyPhaseAware:
		if sel.FixedMode == "" {
			return invalid("mode_selection.fixed_mode", "required for %s strategy", sel.Strategy)
		}
		if _, ok := c.Modes.Get(sel.FixedMode); !ok {
			return invalid("mode_selection.fixed_mode", "%q is not a defined mode", sel.FixedMode)
		}
	case types.StrategyWeightedRandom:
		if len(sel.Weights) == 0 {
			return invalid("mode_selection.weights", "required for weighted_random strategy")
		}
		sum := 0
		for name, weight := range sel.Weights {
			if _, ok := c.Modes.Get(name); !ok {
				return invalid("mode_selection.weights", "%q is not a defined mode", name)
			}
			if weight <= 0 {
				return invalid("mode_selection.weights", "weight for %q must be positive", name)
			}
			sum += weight
		}
		if sum != 100 {
			return invalid("mode_selection.weights", "weights must sum to 100, got %d", sum)
		}
	}

	if sel.Strategy == types.StrategyPhaseAware {
		hasPhase1 := false
		for _, name := range c.Modes.Names() {
			mode, _ := c.Modes.Get(name)
			if mode.Phase == "phase_1" {
				hasPhase1 = true
				break
			}
		}
		if !hasPhase1 {
			return invalid("modes", "phase_aware strategy requires at least one mode with phase: phase_1")
		}
	}
	return nil
}

// ValidateSourceGraph checks that consumer source references resolve to
// existing loops and form no cycle.
func ValidateSourceGraph(configs []*LoopConfig) error {
	byName := make(map[string]*LoopConfig, len(configs))
	for _, cfg := range configs {
		byName[cfg.Name] = cfg
	}

	for _, cfg := range configs {
		source := cfg.SourceLoop()
		if source == "" {
			continue
		}
		if _, ok := byName[source]; !ok {
			return invalid("item_types.input.source",
				"loop %q references unknown source loop %q", cfg.Name, source)
		}
	}

	// DFS over source edges; a name revisited on the current path is a cycle.
	visited := make(map[string]bool, len(configs))
	var walk func(name string, onPath map[string]bool) error
	walk = func(name string, onPath map[string]bool) error {
		if onPath[name] {
			return invalid("item_types.input.source", "circular source reference through %q", name)
		}
		if visited[name] {
			return nil
		}
		cfg, ok := byName[name]
		if !ok {
			return nil
		}
		source := cfg.SourceLoop()
		if source == "" {
			visited[name] = true
			return nil
		}
		onPath[name] = true
		if err := walk(source, onPath); err != nil {
			return err
		}
		delete(onPath, name)
		visited[name] = true
		return nil
	}

	for _, cfg := range configs {
		if err := walk(cfg.Name, make(map[string]bool)); err != nil {
			return err
		}
	}
	return nil
}
