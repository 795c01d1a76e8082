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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4-20250514", ResolveModel("sonnet"))
	assert.Equal(t, "claude-opus-4-20250514", ResolveModel("opus"))
	assert.Equal(t, "claude-haiku-3-20240307", ResolveModel("haiku"))
	assert.Equal(t, "claude-3-custom", ResolveModel("claude-3-custom"))
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Request{Model: "sonnet"})
	assert.Equal(t, []string{"-p", "--model", "claude-sonnet-4-20250514", "--output-format", "json"}, args)

	schema := `{"type":"object"}`
	args = buildArgs(Request{Model: "opus", JSONSchema: schema, SettingsPath: "/tmp/settings.json"})
	assert.Contains(t, args, "--json-schema")
	assert.Contains(t, args, schema)
	assert.Contains(t, args, "--settings")
	assert.Contains(t, args, "/tmp/settings.json")
}

func TestBuildArgsToolsTriState(t *testing.T) {
	// nil: CLI defaults, flag omitted.
	args := buildArgs(Request{Model: "sonnet"})
	assert.NotContains(t, args, "--tools")

	// Empty slice: deny everything.
	empty := []string{}
	args = buildArgs(Request{Model: "sonnet", Tools: &empty})
	require.Contains(t, args, "--tools")
	assert.Equal(t, "", args[len(args)-1])

	// Allow list.
	tools := []string{"Read", "Bash"}
	args = buildArgs(Request{Model: "sonnet", Tools: &tools})
	assert.Equal(t, "Read,Bash", args[len(args)-1])
}

func TestActivityWindow(t *testing.T) {
	// No hard limit still gets the floor.
	assert.Equal(t, 60*time.Second, activityWindow(0))
	// Short timeouts clamp up.
	assert.Equal(t, 60*time.Second, activityWindow(time.Minute))
	// Mid-range stays 30s under the hard limit.
	assert.Equal(t, 90*time.Second, activityWindow(2*time.Minute))
	// Long timeouts clamp to the ceiling.
	assert.Equal(t, 270*time.Second, activityWindow(5*time.Minute))
	assert.Equal(t, 270*time.Second, activityWindow(time.Hour))
}

func TestStreamRejectsBadSchema(t *testing.T) {
	a, err := New(nil, zaptest.NewLogger(t), WithBinary("/bin/false"), WithHome(t.TempDir()))
	require.NoError(t, err)

	_, err = a.Stream(context.Background(), Request{Model: "sonnet", JSONSchema: `{"type":`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output schema")
}

// writeScript materializes a fake CLI as a shell script.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// newTestAdapter wires an adapter at a fake CLI script with an isolated
// home. SESSION_TARGET points the script at the session-log path the
// adapter expects; it is inherited because no credential store is set.
func newTestAdapter(t *testing.T, script string) (a *Adapter, project string) {
	t.Helper()
	home := t.TempDir()
	project = t.TempDir()

	dir := sessionDir(home, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	t.Setenv("SESSION_TARGET", filepath.Join(dir, "stream.jsonl"))

	a, err := New(nil, zaptest.NewLogger(t), WithBinary(script), WithHome(home))
	require.NoError(t, err)
	return a, project
}

func TestExecuteHappyPath(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
{
  echo '{"type":"queue-operation","data":{"sessionId":"sess-123"}}'
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"all done"}],"usage":{"input_tokens":10,"output_tokens":5}}}'
} > "$SESSION_TARGET"
echo '{"cost_usd":0.25,"num_turns":2,"result":"done","is_error":false}'
`)
	a, project := newTestAdapter(t, script)

	result, err := a.Execute(context.Background(), Request{
		Prompt:      "do the thing",
		Model:       "sonnet",
		ProjectPath: project,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "sess-123", result.SessionID)
	assert.Equal(t, "all done", result.TextOutput)
	assert.Equal(t, 0, result.ExitCode)
	assert.InDelta(t, 0.25, result.CostUSD, 1e-9)
	assert.Equal(t, 2, result.NumTurns)
	assert.Empty(t, result.ErrorCode)
}

func TestStreamEventOrder(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
{
  echo '{"type":"queue-operation","data":{"sessionId":"sess-9"}}'
  echo '{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hm"},{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}}'
} > "$SESSION_TARGET"
echo '{"result":"ok","is_error":false}'
`)
	a, project := newTestAdapter(t, script)

	events, err := a.Stream(context.Background(), Request{Prompt: "p", Model: "haiku", ProjectPath: project})
	require.NoError(t, err)

	var kinds []types.StreamEventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []types.StreamEventKind{
		types.EventInit,
		types.EventThinking,
		types.EventText,
		types.EventUsage,
		types.EventComplete,
	}, kinds)
}

func TestExecuteSubprocessContract(t *testing.T) {
	capture := t.TempDir()
	t.Setenv("PROMPT_CAPTURE", filepath.Join(capture, "prompt"))
	t.Setenv("ARGS_CAPTURE", filepath.Join(capture, "args"))
	t.Setenv("CWD_CAPTURE", filepath.Join(capture, "cwd"))

	script := writeScript(t, `cat > "$PROMPT_CAPTURE"
printf '%s\n' "$@" > "$ARGS_CAPTURE"
pwd > "$CWD_CAPTURE"
echo '{"type":"queue-operation","data":{"sessionId":"c1"}}' > "$SESSION_TARGET"
echo '{"result":"ok","is_error":false}'
`)
	a, project := newTestAdapter(t, script)

	result, err := a.Execute(context.Background(), Request{
		Prompt:      "exact prompt text",
		Model:       "opus",
		ProjectPath: project,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	prompt, err := os.ReadFile(filepath.Join(capture, "prompt"))
	require.NoError(t, err)
	assert.Equal(t, "exact prompt text", string(prompt))

	args, err := os.ReadFile(filepath.Join(capture, "args"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "claude-opus-4-20250514")

	cwd, err := os.ReadFile(filepath.Join(capture, "cwd"))
	require.NoError(t, err)
	// Resolve symlinks: macOS tempdirs live under /private.
	resolved, err := filepath.EvalSymlinks(project)
	require.NoError(t, err)
	assert.Contains(t, string(cwd), resolved)
}

func TestExecuteRateLimited(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "429 too many requests" >&2
exit 1
`)
	a, project := newTestAdapter(t, script)

	result, err := a.Execute(context.Background(), Request{Prompt: "p", Model: "sonnet", ProjectPath: project})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.IsRateLimited)
	assert.Equal(t, types.ErrCodeRateLimited, result.ErrorCode)
	assert.Equal(t, 1, result.ExitCode)
}

func TestExecuteNoSessionFile(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
exit 0
`)
	a, project := newTestAdapter(t, script)

	result, err := a.Execute(context.Background(), Request{Prompt: "p", Model: "sonnet", ProjectPath: project})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrCodeNoSessionFile, result.ErrorCode)
	assert.Contains(t, result.ErrorMessage, "exited before writing a session log")
}

func TestExecuteNonZeroExit(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"type":"queue-operation","data":{"sessionId":"x"}}' > "$SESSION_TARGET"
echo "boom" >&2
exit 2
`)
	a, project := newTestAdapter(t, script)

	result, err := a.Execute(context.Background(), Request{Prompt: "p", Model: "sonnet", ProjectPath: project})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.ExitCode)
	assert.Equal(t, types.ExitErrorCode(2), result.ErrorCode)
	assert.Equal(t, "boom", result.ErrorMessage)
}

func TestExecuteHardTimeoutKillsProcess(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
exec sleep 5
`)
	a, project := newTestAdapter(t, script)

	start := time.Now()
	result, err := a.Execute(context.Background(), Request{
		Prompt:      "p",
		Model:       "sonnet",
		ProjectPath: project,
		Timeout:     time.Second,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.Timeout)
	assert.Equal(t, types.ErrCodeTimeout, result.ErrorCode)
	assert.Less(t, time.Since(start), 4*time.Second, "timeout must not wait for the subprocess's own exit")
}

func TestExecuteStructuredOutputRetryFailure(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"type":"queue-operation","data":{"sessionId":"s"}}' > "$SESSION_TARGET"
echo '{"cost_usd":0.1,"num_turns":9,"result":"","is_error":false,"subtype":"error_max_structured_output_retries"}'
`)
	a, project := newTestAdapter(t, script)

	result, err := a.Execute(context.Background(), Request{Prompt: "p", Model: "sonnet", ProjectPath: project})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrCodeStructuredOutputFailed, result.ErrorCode)
}

func TestExecuteStructuredOutputConformance(t *testing.T) {
	schema := `{"type":"object","required":["count"],"properties":{"count":{"type":"number"}}}`

	good := writeScript(t, `cat > /dev/null
echo '{"type":"queue-operation","data":{"sessionId":"s"}}' > "$SESSION_TARGET"
echo '{"result":"ok","is_error":false,"structured_output":{"count":3}}'
`)
	a, project := newTestAdapter(t, good)
	result, err := a.Execute(context.Background(), Request{Prompt: "p", Model: "sonnet", ProjectPath: project, JSONSchema: schema})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.StructuredOutput)
	assert.EqualValues(t, 3, result.StructuredOutput["count"])

	bad := writeScript(t, `cat > /dev/null
echo '{"type":"queue-operation","data":{"sessionId":"s"}}' > "$SESSION_TARGET"
echo '{"result":"ok","is_error":false,"structured_output":{"wrong":"shape"}}'
`)
	a, project = newTestAdapter(t, bad)
	result, err = a.Execute(context.Background(), Request{Prompt: "p", Model: "sonnet", ProjectPath: project, JSONSchema: schema})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.ErrCodeStructuredOutputFailed, result.ErrorCode)
}

func TestExecuteFinalOutputError(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"type":"queue-operation","data":{"sessionId":"s"}}' > "$SESSION_TARGET"
echo '{"result":"upstream rate limit hit","is_error":true}'
`)
	a, project := newTestAdapter(t, script)

	result, err := a.Execute(context.Background(), Request{Prompt: "p", Model: "sonnet", ProjectPath: project})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.IsRateLimited)
	assert.Equal(t, types.ErrCodeRateLimited, result.ErrorCode)
}
