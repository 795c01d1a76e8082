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

package claude

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// rateLimitPatterns classify provider throttling across all three
// detection layers: session-log API errors, exit stderr, and the final
// stdout error. Matching is case-insensitive substring.
var rateLimitPatterns = []string{
	"429",
	"rate limit",
	"overloaded",
	"rate_limit_error",
	"too many requests",
}

// isRateLimited reports whether the text matches a known throttle pattern.
func isRateLimited(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// classifyError picks RATE_LIMITED over the fallback code when the
// message matches a throttle pattern.
func classifyError(message string, fallback types.ErrorCode) types.ErrorCode {
	if isRateLimited(message) {
		return types.ErrCodeRateLimited
	}
	return fallback
}

// sessionLine is the subset of a session-log line the adapter cares
// about. Unknown types and fields are ignored.
type sessionLine struct {
	Type              string `json:"type"`
	IsAPIErrorMessage bool   `json:"isApiErrorMessage"`
	Data              struct {
		SessionID string `json:"sessionId"`
	} `json:"data"`
	Message *struct {
		Content []contentBlock    `json:"content"`
		Usage   *types.TokenUsage `json:"usage"`
	} `json:"message"`
}

// contentBlock is one block of an assistant or user message.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// translator converts session-log lines into stream events. It remembers
// tool_use IDs so tool results can carry the tool's name.
type translator struct {
	toolNames map[string]string
}

func newTranslator() *translator {
	return &translator{toolNames: make(map[string]string)}
}

// translate parses one raw session-log line. Unparseable lines and
// unknown types yield no events.
func (t *translator) translate(raw []byte) []types.StreamEvent {
	var line sessionLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil
	}

	switch line.Type {
	case "queue-operation":
		if line.Data.SessionID == "" {
			return nil
		}
		return []types.StreamEvent{{Kind: types.EventInit, SessionID: line.Data.SessionID}}

	case "assistant":
		if line.Message == nil {
			return nil
		}
		if line.IsAPIErrorMessage {
			message := firstText(line.Message.Content)
			return []types.StreamEvent{{
				Kind:         types.EventError,
				ErrorMessage: message,
				ErrorCode:    classifyError(message, types.ErrCodeExecutionError),
			}}
		}
		var events []types.StreamEvent
		for _, block := range line.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, types.StreamEvent{Kind: types.EventText, Text: block.Text})
				}
			case "thinking":
				if block.Thinking != "" {
					events = append(events, types.StreamEvent{Kind: types.EventThinking, Text: block.Thinking})
				}
			case "tool_use":
				if block.ID != "" {
					t.toolNames[block.ID] = block.Name
				}
				events = append(events, types.StreamEvent{
					Kind:      types.EventToolUse,
					ToolName:  block.Name,
					ToolInput: block.Input,
				})
			}
		}
		if line.Message.Usage != nil {
			events = append(events, types.StreamEvent{Kind: types.EventUsage, Usage: line.Message.Usage})
		}
		return events

	case "user":
		if line.Message == nil {
			return nil
		}
		var events []types.StreamEvent
		for _, block := range line.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			events = append(events, types.StreamEvent{
				Kind:       types.EventToolResult,
				ToolName:   t.toolNames[block.ToolUseID],
				ToolResult: truncate(decodeToolResult(block.Content), toolResultLimit),
			})
		}
		return events
	}

	return nil
}

// firstText returns the first text block's content, used as the message
// of an API error line.
func firstText(blocks []contentBlock) string {
	for _, block := range blocks {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// decodeToolResult renders a tool_result payload, which is either a bare
// string or a nested block array, as plain text.
func decodeToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
