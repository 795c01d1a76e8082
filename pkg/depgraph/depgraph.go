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

// Package depgraph builds the dependency DAG over a loop's work items and
// answers the questions the claim engine asks of it: whether the graph has
// a cycle, which items are ready once a set of dependencies is done, and
// how the items partition into phases.
package depgraph

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// MaxItems bounds how many items a graph loads. Edges of items beyond the
// bound are ignored; Build warns when that happens.
const MaxItems = 10000

// ErrCycle is returned when an operation needs a DAG and the dependency
// edges contain a cycle.
var ErrCycle = errors.New("dependency graph has a cycle")

// Phase is one batch of the DAG processable in parallel: every item's
// dependencies live in earlier phases.
type Phase struct {
	Number int
	Items  []string
}

// Graph is an immutable dependency graph over work items. Edges point from
// an item to the items it depends on.
type Graph struct {
	items map[string]*types.WorkItem
	deps  map[string][]string
	order []string
}

// Build constructs a graph from items, truncating at MaxItems with a
// warning. Duplicate IDs keep the first occurrence.
func Build(items []*types.WorkItem, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(items) > MaxItems {
		logger.Warn("dependency graph truncated, edges beyond the limit are ignored",
			zap.Int("items", len(items)),
			zap.Int("limit", MaxItems))
		items = items[:MaxItems]
	}

	g := &Graph{
		items: make(map[string]*types.WorkItem, len(items)),
		deps:  make(map[string][]string, len(items)),
		order: make([]string, 0, len(items)),
	}
	for _, item := range items {
		if _, exists := g.items[item.ID]; exists {
			continue
		}
		g.items[item.ID] = item
		g.deps[item.ID] = item.Dependencies
		g.order = append(g.order, item.ID)
	}
	return g
}

// Len returns how many items the graph holds.
func (g *Graph) Len() int {
	return len(g.order)
}

// HasCycle reports whether any dependency chain loops back on itself.
// Edges to IDs outside the graph cannot close a cycle and are skipped.
func (g *Graph) HasCycle() bool {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)
	color := make(map[string]int8, len(g.order))

	type frame struct {
		id   string
		next int
	}

	for _, start := range g.order {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start}}
		for len(stack) > 0 {
			top := len(stack) - 1
			id := stack[top].id
			if stack[top].next == 0 {
				color[id] = gray
			}

			deps := g.deps[id]
			pushed := false
			for stack[top].next < len(deps) {
				dep := deps[stack[top].next]
				stack[top].next++
				if _, known := g.items[dep]; !known {
					continue
				}
				if color[dep] == gray {
					return true
				}
				if color[dep] == white {
					stack = append(stack, frame{id: dep})
					pushed = true
					break
				}
			}
			if !pushed && stack[top].next >= len(deps) {
				color[id] = black
				stack = stack[:top]
			}
		}
	}
	return false
}

// ReadySet returns the IDs whose every dependency is in done. Items without
// dependencies are always ready; an edge to an ID absent from done blocks
// the item even when the target is unknown to the graph.
func (g *Graph) ReadySet(done map[string]bool) map[string]bool {
	ready := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		satisfied := true
		for _, dep := range g.deps[id] {
			if !done[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready[id] = true
		}
	}
	return ready
}

// DetectPhases partitions the items by dependency depth: an item's phase is
// one greater than its deepest dependency, and items without dependencies
// land in phase one. Phases larger than maxBatch split into consecutive
// chunks (maxBatch <= 0 disables splitting). A cyclic graph cannot be
// partitioned and returns ErrCycle.
func (g *Graph) DetectPhases(maxBatch int) ([]Phase, error) {
	if g.HasCycle() {
		return nil, ErrCycle
	}

	depths := make(map[string]int, len(g.order))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depths[id]; ok {
			return d
		}
		deepest := 0
		for _, dep := range g.deps[id] {
			if _, known := g.items[dep]; !known {
				continue
			}
			if d := depthOf(dep); d > deepest {
				deepest = d
			}
		}
		depths[id] = deepest + 1
		return deepest + 1
	}

	maxDepth := 0
	byDepth := make(map[int][]string, 8)
	for _, id := range g.order {
		d := depthOf(id)
		byDepth[d] = append(byDepth[d], id)
		if d > maxDepth {
			maxDepth = d
		}
	}

	var phases []Phase
	for depth := 1; depth <= maxDepth; depth++ {
		ids := byDepth[depth]
		if len(ids) == 0 {
			continue
		}
		if maxBatch <= 0 || len(ids) <= maxBatch {
			phases = append(phases, Phase{Number: len(phases) + 1, Items: ids})
			continue
		}
		for start := 0; start < len(ids); start += maxBatch {
			end := start + maxBatch
			if end > len(ids) {
				end = len(ids)
			}
			phases = append(phases, Phase{Number: len(phases) + 1, Items: ids[start:end]})
		}
	}
	return phases, nil
}

// PhasesFromCategories groups items by an operator-supplied category-to-
// phase mapping instead of dependency depth. Items whose category is not in
// the mapping land in a final catch-all phase after every mapped one.
func (g *Graph) PhasesFromCategories(mapping map[string]int) []Phase {
	byNumber := make(map[int][]string, len(mapping))
	var unmapped []string
	maxNumber := 0

	for _, id := range g.order {
		number, ok := mapping[g.items[id].Category]
		if !ok {
			unmapped = append(unmapped, id)
			continue
		}
		byNumber[number] = append(byNumber[number], id)
		if number > maxNumber {
			maxNumber = number
		}
	}

	numbers := make([]int, 0, len(byNumber))
	for number := range byNumber {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)

	phases := make([]Phase, 0, len(numbers)+1)
	for _, number := range numbers {
		phases = append(phases, Phase{Number: number, Items: byNumber[number]})
	}
	if len(unmapped) > 0 {
		phases = append(phases, Phase{Number: maxNumber + 1, Items: unmapped})
	}
	return phases
}
