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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/store"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

// The three extraction patterns are the wire contract with prompt authors:
// a JSON array of item objects, a markdown list of `- **ID**: content`
// lines, or a numbered list of `n. [ID] content` lines, tried in that
// order. The first pattern that yields at least one item wins.
var (
	markdownItemRe = regexp.MustCompile(`(?m)^\s*-\s+\*\*([A-Za-z0-9._-]+)\*\*\s*:\s*(.+)$`)
	numberedItemRe = regexp.MustCompile(`(?m)^\s*\d+\.\s+\[([A-Za-z0-9._-]+)\]\s+(.+)$`)
	categoryRe     = regexp.MustCompile(`^([A-Za-z]+)-\d+`)
)

// extractedItem is the JSON object shape the first pattern accepts.
type extractedItem struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	Title        string         `json:"title"`
	Priority     int            `json:"priority"`
	Category     string         `json:"category"`
	Tags         []string       `json:"tags"`
	Dependencies []string       `json:"dependencies"`
	Metadata     map[string]any `json:"metadata"`
}

// ExtractItems pulls work items out of free-form model output.
func ExtractItems(text string) []*types.WorkItem {
	if items := extractJSONArray(text); len(items) > 0 {
		return items
	}
	if items := extractByPattern(text, markdownItemRe); len(items) > 0 {
		return items
	}
	return extractByPattern(text, numberedItemRe)
}

// extractJSONArray finds the first JSON array in the text that decodes into
// item objects with non-empty id and content. Arrays of other shapes (tool
// output, plain string lists) are skipped, not errors.
func extractJSONArray(text string) []*types.WorkItem {
	for offset := 0; offset < len(text); {
		idx := strings.IndexByte(text[offset:], '[')
		if idx < 0 {
			return nil
		}
		start := offset + idx
		offset = start + 1

		var parsed []extractedItem
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if err := dec.Decode(&parsed); err != nil {
			continue
		}

		items := make([]*types.WorkItem, 0, len(parsed))
		for _, p := range parsed {
			if p.ID == "" || p.Content == "" {
				continue
			}
			items = append(items, &types.WorkItem{
				ID:           p.ID,
				Title:        p.Title,
				Content:      p.Content,
				Priority:     p.Priority,
				Category:     p.Category,
				Tags:         p.Tags,
				Dependencies: p.Dependencies,
				Metadata:     p.Metadata,
			})
		}
		if len(items) > 0 {
			return items
		}
	}
	return nil
}

func extractByPattern(text string, re *regexp.Regexp) []*types.WorkItem {
	matches := re.FindAllStringSubmatch(text, -1)
	items := make([]*types.WorkItem, 0, len(matches))
	for _, m := range matches {
		content := strings.TrimSpace(m[2])
		if content == "" {
			continue
		}
		items = append(items, &types.WorkItem{ID: m[1], Content: content})
	}
	return items
}

// deriveCategory infers a category from the conventional letters-dash-
// digits ID shape: "FND-001" yields "FND".
func deriveCategory(id string) string {
	m := categoryRe.FindStringSubmatch(id)
	if m == nil {
		return ""
	}
	return m[1]
}

// persistExtracted extracts items from an iteration's text output and
// stores them ready for consumption. IDs the project already knows are
// skipped, so a model repeating earlier output cannot duplicate items.
func (e *Executor) persistExtracted(ctx context.Context, text string) (int, error) {
	extracted := ExtractItems(text)
	if len(extracted) == 0 {
		return 0, nil
	}

	source := e.cfg.Name
	itemType := e.cfg.OutputSingular()
	for _, item := range extracted {
		item.Status = types.ItemStatusCompleted
		item.SourceLoop = &source
		item.ItemType = itemType
		if item.Category == "" {
			item.Category = deriveCategory(item.ID)
		}
	}

	result, err := e.store.ImportWorkItems(ctx, extracted, store.ImportModeMerge)
	if err != nil {
		return 0, fmt.Errorf("failed to persist extracted items: %w", err)
	}
	if result.Skipped > 0 {
		e.logger.Info("skipped already-known items",
			zap.String("loop", e.cfg.Name),
			zap.Int("count", result.Skipped))
	}
	return result.Imported, nil
}
