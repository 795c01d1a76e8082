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
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/config"
)

// idPattern matches IDs whose numeric suffix feeds next_id computation,
// e.g. FND-001 or AUTH-12.
var idPattern = regexp.MustCompile(`^[A-Za-z]+-(\d+)$`)

// existingStory is the shape serialized into {{existing_stories}}.
type existingStory struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
}

// categoryStat is the per-category shape serialized into
// {{category_stats}}. NextID is one past the highest numeric ID suffix
// seen in the category, starting at 1 when no ID carries a suffix.
type categoryStat struct {
	Count  int      `json:"count"`
	IDs    []string `json:"ids"`
	NextID int      `json:"next_id"`
}

// enrichGenerator substitutes the generator-context placeholders so the
// model can see what it already produced and avoid duplicate IDs.
func (b *Builder) enrichGenerator(body string, input BuildInput) (string, error) {
	stories := make([]existingStory, 0, len(input.Existing))
	stats := make(map[string]*categoryStat)
	for _, item := range input.Existing {
		stories = append(stories, existingStory{ID: item.ID, Title: item.Title, Category: item.Category})

		category := item.Category
		if category == "" {
			category = "uncategorized"
		}
		stat, ok := stats[category]
		if !ok {
			stat = &categoryStat{NextID: 1}
			stats[category] = stat
		}
		stat.Count++
		stat.IDs = append(stat.IDs, item.ID)
		if m := idPattern.FindStringSubmatch(item.ID); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n+1 > stat.NextID {
				stat.NextID = n + 1
			}
		}
	}
	for _, stat := range stats {
		sort.Strings(stat.IDs)
	}

	storiesJSON, err := marshalJSON(stories)
	if err != nil {
		return "", fmt.Errorf("failed to encode existing items: %w", err)
	}
	statsJSON, err := marshalJSON(stats)
	if err != nil {
		return "", fmt.Errorf("failed to encode category stats: %w", err)
	}

	replacements := []struct {
		placeholder string
		value       string
	}{
		{"{{existing_stories}}", storiesJSON},
		{"{{category_stats}}", statsJSON},
		{"{{total_stories}}", strconv.Itoa(len(input.Existing))},
		{"{{inputs_list}}", b.inputsList(input.ProjectPath, input.Loop.Name)},
	}
	for _, r := range replacements {
		body = strings.ReplaceAll(body, r.placeholder, escapeBraces(r.value))
	}
	return body, nil
}

// inputsList renders the operator-supplied input file names as a bullet
// list. A missing directory is not an error; the list is just empty.
func (b *Builder) inputsList(projectPath, loopName string) string {
	entries, err := os.ReadDir(config.InputsDir(projectPath, loopName))
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("failed to read loop inputs directory",
				zap.String("loop", loopName), zap.Error(err))
		}
		return ""
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- " + name)
	}
	return sb.String()
}

// marshalJSON encodes without HTML escaping so prompt text keeps literal
// <, >, and & characters.
func marshalJSON(v any) (string, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}
