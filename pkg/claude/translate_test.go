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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

func TestTranslateInit(t *testing.T) {
	tr := newTranslator()
	events := tr.translate([]byte(`{"type":"queue-operation","data":{"sessionId":"sess-42"}}`))
	require.Len(t, events, 1)
	assert.Equal(t, types.EventInit, events[0].Kind)
	assert.Equal(t, "sess-42", events[0].SessionID)
}

func TestTranslateAssistantBlocks(t *testing.T) {
	tr := newTranslator()
	events := tr.translate([]byte(`{"type":"assistant","message":{
		"content":[
			{"type":"thinking","thinking":"let me think"},
			{"type":"text","text":"here is the plan"},
			{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}
		],
		"usage":{"input_tokens":100,"output_tokens":42}
	}}`))
	require.Len(t, events, 4)

	assert.Equal(t, types.EventThinking, events[0].Kind)
	assert.Equal(t, "let me think", events[0].Text)

	assert.Equal(t, types.EventText, events[1].Kind)
	assert.Equal(t, "here is the plan", events[1].Text)

	assert.Equal(t, types.EventToolUse, events[2].Kind)
	assert.Equal(t, "Bash", events[2].ToolName)
	assert.Equal(t, "ls", events[2].ToolInput["command"])

	assert.Equal(t, types.EventUsage, events[3].Kind)
	require.NotNil(t, events[3].Usage)
	assert.Equal(t, 100, events[3].Usage.InputTokens)
	assert.Equal(t, 42, events[3].Usage.OutputTokens)
}

func TestTranslateToolResultCarriesToolName(t *testing.T) {
	tr := newTranslator()
	tr.translate([]byte(`{"type":"assistant","message":{"content":[
		{"type":"tool_use","id":"tu-7","name":"Read","input":{}}
	]}}`))

	events := tr.translate([]byte(`{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tu-7","content":"file contents here"}
	]}}`))
	require.Len(t, events, 1)
	assert.Equal(t, types.EventToolResult, events[0].Kind)
	assert.Equal(t, "Read", events[0].ToolName)
	assert.Equal(t, "file contents here", events[0].ToolResult)
}

func TestTranslateToolResultTruncation(t *testing.T) {
	tr := newTranslator()
	long := strings.Repeat("x", 5000)
	events := tr.translate([]byte(`{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tu-0","content":"` + long + `"}
	]}}`))
	require.Len(t, events, 1)
	assert.Len(t, events[0].ToolResult, toolResultLimit)
}

func TestTranslateToolResultBlockArray(t *testing.T) {
	tr := newTranslator()
	events := tr.translate([]byte(`{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tu-0","content":[
			{"type":"text","text":"part one"},
			{"type":"text","text":"part two"}
		]}
	]}}`))
	require.Len(t, events, 1)
	assert.Equal(t, "part one\npart two", events[0].ToolResult)
}

func TestTranslateAPIErrorClassifiesRateLimit(t *testing.T) {
	tr := newTranslator()
	events := tr.translate([]byte(`{"type":"assistant","isApiErrorMessage":true,"message":{
		"content":[{"type":"text","text":"Request failed: rate_limit_error, retry later"}]
	}}`))
	require.Len(t, events, 1)
	assert.Equal(t, types.EventError, events[0].Kind)
	assert.Equal(t, types.ErrCodeRateLimited, events[0].ErrorCode)
	assert.Contains(t, events[0].ErrorMessage, "rate_limit_error")
}

func TestTranslateAPIErrorWithoutRateLimit(t *testing.T) {
	tr := newTranslator()
	events := tr.translate([]byte(`{"type":"assistant","isApiErrorMessage":true,"message":{
		"content":[{"type":"text","text":"internal server error"}]
	}}`))
	require.Len(t, events, 1)
	assert.Equal(t, types.ErrCodeExecutionError, events[0].ErrorCode)
}

func TestTranslateIgnoresUnknownAndBroken(t *testing.T) {
	tr := newTranslator()
	assert.Empty(t, tr.translate([]byte(`{"type":"summary","text":"whatever"}`)))
	assert.Empty(t, tr.translate([]byte(`{not json`)))
	assert.Empty(t, tr.translate([]byte(`{"type":"assistant"}`)))
	assert.Empty(t, tr.translate([]byte(`{"type":"queue-operation","data":{}}`)))
}

func TestIsRateLimited(t *testing.T) {
	for _, s := range []string{
		"HTTP 429",
		"Rate Limit exceeded",
		"the model is OVERLOADED right now",
		`{"error":{"type":"rate_limit_error"}}`,
		"Too Many Requests",
	} {
		assert.True(t, isRateLimited(s), "expected %q to classify as rate limited", s)
	}
	for _, s := range []string{
		"",
		"connection refused",
		"exit status 1",
	} {
		assert.False(t, isRateLimited(s), "expected %q not to classify", s)
	}
}

func TestTruncateRespectsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("é", 600) // two bytes per rune
	out := truncate(s, toolResultLimit)
	assert.LessOrEqual(t, len(out), toolResultLimit)
	assert.True(t, strings.HasSuffix(out, "é"))
	assert.Equal(t, 500, len([]rune(out)))
}
