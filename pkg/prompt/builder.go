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

// Package prompt assembles the final prompt string fed to the LLM CLI.
//
// Assembly is a fixed pipeline: load the mode's template, inject enabled
// resources at their anchor positions, enrich generator templates with
// catalog statistics, substitute the claimed item's fields for consumer
// loops, append the batch listing when more than one item was claimed,
// and close with a tracking marker. Every substitution value passes
// through a brace escape so item content can never smuggle a placeholder
// into a later substitution pass.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

// Template anchors. Both are markers, not substitution targets: resource
// blocks are inserted around them and the anchor text itself stays put.
const (
	AnchorDesignDoc = "{{design_doc}}"
	AnchorTask      = "{{task}}"
)

// Builder assembles prompts. It is stateless apart from the logger and
// safe for concurrent use.
type Builder struct {
	logger *zap.Logger
}

// NewBuilder creates a prompt builder. A nil logger falls back to a no-op.
func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{logger: logger}
}

// BuildInput carries everything one prompt assembly needs. Resources must
// already be grouped by injection position and priority-sorted (the
// resource manager's LoadForLoop does both).
type BuildInput struct {
	ProjectPath string
	Loop        *config.LoopConfig
	ModeName    string
	Mode        config.Mode

	Resources map[types.InjectionPosition][]*types.Resource

	// Item is the claimed work item for consumer iterations, nil for
	// generator iterations. Batch holds every claimed item when the loop
	// runs in batch mode; Item then defaults to Batch[0].
	Item  *types.WorkItem
	Batch []*types.WorkItem

	// Existing holds the items this loop has already produced, used for
	// generator context enrichment.
	Existing []*types.WorkItem

	RunID     string
	Iteration int

	// Now stamps the tracking marker; the zero value means time.Now().
	Now time.Time
}

// Build assembles the prompt for one iteration.
func (b *Builder) Build(input BuildInput) (string, error) {
	if input.Loop == nil {
		return "", fmt.Errorf("prompt build requires a loop config")
	}

	template, err := b.loadTemplate(input.ProjectPath, input.Mode.PromptTemplatePath)
	if err != nil {
		return "", err
	}

	body := b.injectResources(template, input.Resources)

	if producesItems(input.Loop) {
		body, err = b.enrichGenerator(body, input)
		if err != nil {
			return "", err
		}
	}

	item := input.Item
	if item == nil && len(input.Batch) > 0 {
		item = input.Batch[0]
	}
	if item != nil {
		body = substituteItem(body, item, input.Loop.SourceLoop())
	}

	if len(input.Batch) > 1 {
		body += batchSection(input.Batch)
	}

	ts := input.Now
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	marker := TrackingMarker(input.RunID, filepath.Base(input.ProjectPath), input.Iteration, input.ModeName, ts)

	b.logger.Debug("prompt assembled",
		zap.String("loop", input.Loop.Name),
		zap.String("mode", input.ModeName),
		zap.Int("iteration", input.Iteration),
		zap.Int("length", len(body)))

	return body + "\n\n" + marker + "\n", nil
}

// loadTemplate reads the mode's template file. Relative paths resolve
// against the project root.
func (b *Builder) loadTemplate(projectPath, templatePath string) (string, error) {
	if templatePath == "" {
		return "", fmt.Errorf("mode has no prompt template path")
	}
	path := templatePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectPath, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt template %s: %w", path, err)
	}
	return string(data), nil
}

// injectResources splices resource blocks into the template at the four
// anchor positions. Positions with no enabled resources are skipped.
func (b *Builder) injectResources(template string, grouped map[types.InjectionPosition][]*types.Resource) string {
	body := template

	if block := resourceBlock(grouped[types.PositionAfterDesignDoc]); block != "" {
		if idx := strings.Index(body, AnchorDesignDoc); idx >= 0 {
			insertAt := idx + len(AnchorDesignDoc)
			body = body[:insertAt] + "\n\n" + block + body[insertAt:]
		} else {
			// No anchor: the block goes ahead of the template body so it
			// still lands after any before_prompt resources.
			body = block + "\n\n" + body
		}
	}

	if block := resourceBlock(grouped[types.PositionBeforeTask]); block != "" {
		if idx := strings.Index(body, AnchorTask); idx >= 0 {
			body = body[:idx] + block + "\n\n" + body[idx:]
		} else {
			body = body + "\n\n" + block
		}
	}

	if block := resourceBlock(grouped[types.PositionBeforePrompt]); block != "" {
		body = block + "\n\n" + body
	}

	if block := resourceBlock(grouped[types.PositionAfterTask]); block != "" {
		body = body + "\n\n" + block
	}

	return body
}

// resourceBlock concatenates resource contents in their given order.
func resourceBlock(resources []*types.Resource) string {
	var parts []string
	for _, r := range resources {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n")
}

// substituteItem applies the consumer-item substitutions. The placeholders
// are replaced most-specific-first so {{input_item}} never clobbers the
// dotted forms, and every value is brace-escaped first.
func substituteItem(body string, item *types.WorkItem, sourceLoop string) string {
	metadata := "{}"
	if len(item.Metadata) > 0 {
		if encoded, err := marshalJSON(item.Metadata); err == nil {
			metadata = encoded
		}
	}

	replacements := []struct {
		placeholder string
		value       string
	}{
		{"{{input_item.metadata}}", metadata},
		{"{{input_item.content}}", item.Content},
		{"{{input_item.title}}", item.Title},
		{"{{input_item}}", item.Content},
		{"{{source_loop}}", sourceLoop},
	}
	for _, r := range replacements {
		body = strings.ReplaceAll(body, r.placeholder, escapeBraces(r.value))
	}
	return body
}

// batchSection renders the claimed batch as a markdown listing appended
// after the template body.
func batchSection(batch []*types.WorkItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n\n## Batch: %d items\n", len(batch))
	for _, item := range batch {
		title := escapeBraces(item.Title)
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&sb, "\n### %s: %s\n\n%s\n", escapeBraces(item.ID), title, escapeBraces(item.Content))
	}
	return sb.String()
}

// producesItems reports whether the loop generates work items and should
// receive catalog enrichment.
func producesItems(cfg *config.LoopConfig) bool {
	if cfg.Type == types.LoopTypeGenerator {
		return true
	}
	return cfg.ItemTypes != nil && cfg.ItemTypes.Output != nil
}
