// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared domain types used across ralphx: loops,
// work items, runs, sessions, resources, and the event model. This package
// breaks import cycles by providing common types that the store, executor,
// and adapter packages all depend on.
package types

import (
	"time"
)

// LoopType distinguishes item-producing loops from item-consuming loops.
type LoopType string

const (
	// LoopTypeGenerator produces work items for downstream consumption.
	LoopTypeGenerator LoopType = "generator"
	// LoopTypeConsumer processes items claimed from a source loop.
	LoopTypeConsumer LoopType = "consumer"
)

// Valid reports whether the loop type is a known value.
func (t LoopType) Valid() bool {
	switch t {
	case LoopTypeGenerator, LoopTypeConsumer:
		return true
	}
	return false
}

// ItemStatus is the lifecycle state of a work item.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusClaimed   ItemStatus = "claimed"
	ItemStatusProcessed ItemStatus = "processed"
	ItemStatusDuplicate ItemStatus = "duplicate"
	ItemStatusSkipped   ItemStatus = "skipped"
	ItemStatusExternal  ItemStatus = "external"
	ItemStatusFailed    ItemStatus = "failed"
	ItemStatusCompleted ItemStatus = "completed"
)

// Valid reports whether the status is a known value.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusClaimed, ItemStatusProcessed,
		ItemStatusDuplicate, ItemStatusSkipped, ItemStatusExternal,
		ItemStatusFailed, ItemStatusCompleted:
		return true
	}
	return false
}

// Done reports whether the status counts as finished for dependency
// readiness: an item whose dependencies are all Done may be claimed.
func (s ItemStatus) Done() bool {
	switch s {
	case ItemStatusProcessed, ItemStatusFailed, ItemStatusSkipped, ItemStatusDuplicate:
		return true
	}
	return false
}

// Claimable reports whether an unclaimed item in this status may be claimed.
func (s ItemStatus) Claimable() bool {
	return s == ItemStatusPending || s == ItemStatusCompleted
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusAborted   RunStatus = "aborted"
)

// Valid reports whether the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusActive, RunStatusPaused, RunStatusCompleted, RunStatusError, RunStatusAborted:
		return true
	}
	return false
}

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusError, RunStatusAborted:
		return true
	}
	return false
}

// SelectionStrategy picks which mode a loop iteration uses.
type SelectionStrategy string

const (
	StrategyFixed          SelectionStrategy = "fixed"
	StrategyRandom         SelectionStrategy = "random"
	StrategyWeightedRandom SelectionStrategy = "weighted_random"
	StrategyPhaseAware     SelectionStrategy = "phase_aware"
)

// Valid reports whether the strategy is a known value.
func (s SelectionStrategy) Valid() bool {
	switch s {
	case StrategyFixed, StrategyRandom, StrategyWeightedRandom, StrategyPhaseAware:
		return true
	}
	return false
}

// ResourceType categorizes a prompt-augmenting resource.
type ResourceType string

const (
	ResourceTypeDesignDoc       ResourceType = "design_doc"
	ResourceTypeArchitecture    ResourceType = "architecture"
	ResourceTypeCodingStandards ResourceType = "coding_standards"
	ResourceTypeDomainKnowledge ResourceType = "domain_knowledge"
	ResourceTypeCustom          ResourceType = "custom"
)

// Valid reports whether the resource type is a known value.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceTypeDesignDoc, ResourceTypeArchitecture, ResourceTypeCodingStandards,
		ResourceTypeDomainKnowledge, ResourceTypeCustom:
		return true
	}
	return false
}

// ResourceTypes lists all known resource types in filesystem order.
func ResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceTypeDesignDoc,
		ResourceTypeArchitecture,
		ResourceTypeCodingStandards,
		ResourceTypeDomainKnowledge,
		ResourceTypeCustom,
	}
}

// InjectionPosition anchors a resource within the assembled prompt.
type InjectionPosition string

const (
	PositionBeforePrompt   InjectionPosition = "before_prompt"
	PositionAfterDesignDoc InjectionPosition = "after_design_doc"
	PositionBeforeTask     InjectionPosition = "before_task"
	PositionAfterTask      InjectionPosition = "after_task"
)

// Valid reports whether the position is a known value.
func (p InjectionPosition) Valid() bool {
	switch p {
	case PositionBeforePrompt, PositionAfterDesignDoc, PositionBeforeTask, PositionAfterTask:
		return true
	}
	return false
}

// ClaimerID is the claim-ownership identity a run uses when claiming work
// items: "<loop>:<run id>". The store releases claims by exact identity or
// by loop prefix.
func ClaimerID(loopName, runID string) string {
	return loopName + ":" + runID
}

// WorkItem is a persisted unit of work. Items are either produced by a
// generator loop (source_loop set) or imported directly (source_loop nil);
// the distinction drives the status a released claim restores to.
type WorkItem struct {
	ID           string         `json:"id"`
	Title        string         `json:"title,omitempty"`
	Content      string         `json:"content"`
	Priority     int            `json:"priority,omitempty"`
	Status       ItemStatus     `json:"status"`
	Category     string         `json:"category,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Phase        int            `json:"phase,omitempty"`
	SourceLoop   *string        `json:"source_loop,omitempty"`
	ItemType     string         `json:"item_type,omitempty"`
	ClaimedBy    *string        `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
	DuplicateOf  *string        `json:"duplicate_of,omitempty"`
	SkipReason   *string        `json:"skip_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Run is one activation of a loop.
type Run struct {
	ID                  string     `json:"id"`
	LoopName            string     `json:"loop_name"`
	Status              RunStatus  `json:"status"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	IterationsCompleted int        `json:"iterations_completed"`
	ItemsGenerated      int        `json:"items_generated"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	ExecutorPID         *int       `json:"executor_pid,omitempty"`
	LastActivityAt      *time.Time `json:"last_activity_at,omitempty"`
}

// Session is one LLM subprocess invocation within a run. The ID is the
// session identifier the CLI emits in its session log.
type Session struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	Iteration       int       `json:"iteration"`
	Mode            string    `json:"mode"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Status          string    `json:"status"`
	ItemsAdded      int       `json:"items_added"`
}

// Resource is an injectable prompt fragment. Content lives on disk under
// the project's resources directory; the store mirrors it for versioning.
type Resource struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	ResourceType      ResourceType      `json:"resource_type"`
	InjectionPosition InjectionPosition `json:"injection_position"`
	Priority          int               `json:"priority"`
	Enabled           bool              `json:"enabled"`
	InheritDefault    bool              `json:"inherit_default"`
	FilePath          string            `json:"file_path"`
	Content           string            `json:"content,omitempty"`
	FileMtime         *time.Time        `json:"file_mtime,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ResourceVersion is a snapshot of a resource taken before a
// content-affecting edit.
type ResourceVersion struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Name       string    `json:"name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Checkpoint is a periodic snapshot of executor progress, enough to
// resume counters after a crash.
type Checkpoint struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Name      string         `json:"name"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}
