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

// Package claude invokes the Claude Code CLI as a short-lived subprocess
// per iteration and surfaces a stream of semantically typed events.
//
// The CLI does not stream events on stdout. Instead it appends a JSONL
// session log under the user's home directory; the adapter snapshots the
// session directory before spawning, discovers the new log file, and tails
// it while the process runs. Both stdout and stderr are drained
// concurrently the whole time because the CLI writes large outputs to both
// and would otherwise deadlock on a full pipe buffer.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/internal/ordered"
	"github.com/ralphx-dev/ralphx/pkg/credentials"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

const (
	// DefaultBinary is the CLI executable resolved on PATH.
	DefaultBinary = "claude"

	// discoveryDeadline bounds how long the adapter waits for the CLI to
	// create its session log before giving up.
	discoveryDeadline = 15 * time.Second
	// discoveryInterval is the session-directory poll cadence.
	discoveryInterval = 200 * time.Millisecond
	// tailInterval is the session-log poll cadence.
	tailInterval = 100 * time.Millisecond

	// stopGrace is how long a SIGTERM'd subprocess gets before SIGKILL.
	stopGrace = 5 * time.Second

	// pipeCap bounds how much of each of stdout and stderr is retained.
	// Draining continues past the cap so the subprocess never blocks.
	pipeCap = 4 << 20

	// toolResultLimit truncates tool_result payloads in the event stream.
	toolResultLimit = 1000

	// streamBuffer is the event channel capacity. Senders block when the
	// consumer falls behind; events are never dropped.
	streamBuffer = 64

	// stderrExcerptLimit truncates stderr carried on error events.
	stderrExcerptLimit = 500
)

// modelAliases pins the short model names to released model IDs. Unknown
// names pass through untouched so operators can use full IDs directly.
var modelAliases = map[string]string{
	"sonnet": "claude-sonnet-4-20250514",
	"opus":   "claude-opus-4-20250514",
	"haiku":  "claude-haiku-3-20240307",
}

// ResolveModel maps a model alias to its pinned ID.
func ResolveModel(name string) string {
	if id, ok := modelAliases[name]; ok {
		return id
	}
	return name
}

// Request describes one CLI invocation.
type Request struct {
	Prompt string
	Model  string

	// Tools is tri-state: nil uses the CLI's defaults, an empty slice
	// denies all tools, a non-empty slice is an allow list.
	Tools *[]string

	// Timeout is the mode-level hard limit for the whole invocation.
	// Zero means no hard limit; the meaningful-activity monitor still
	// applies.
	Timeout time.Duration

	// JSONSchema, when non-empty, is a compact JSON schema the CLI must
	// shape its structured output to.
	JSONSchema string

	// SettingsPath points at an optional per-loop CLI settings file.
	SettingsPath string

	// AccountID overrides the project-default credential account.
	AccountID string

	// ProjectPath is the subprocess working directory and the namespace
	// for session-log discovery.
	ProjectPath string
}

// Adapter spawns the CLI and translates its session log into events.
// Safe for concurrent use; each call runs an independent subprocess.
type Adapter struct {
	bin    string
	home   string
	creds  *credentials.Store
	logger *zap.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithBinary overrides the CLI executable path.
func WithBinary(bin string) Option {
	return func(a *Adapter) { a.bin = bin }
}

// WithHome overrides the home directory used for session-log discovery.
func WithHome(home string) Option {
	return func(a *Adapter) { a.home = home }
}

// New creates an adapter. creds may be nil, in which case the subprocess
// inherits the parent environment and credential resolution is skipped.
func New(creds *credentials.Store, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		bin:    DefaultBinary,
		creds:  creds,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.home == "" {
		home, err := userHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		a.home = home
	}
	return a, nil
}

// Stream launches the subprocess and returns its event channel. The
// channel is closed once the subprocess result is fully reported; the
// last event is always a complete (possibly preceded by errors).
//
// An error return means the request never launched (bad schema); runtime
// failures are delivered as error events instead.
func (a *Adapter) Stream(ctx context.Context, req Request) (<-chan types.StreamEvent, error) {
	if req.JSONSchema != "" {
		if err := compileSchema(req.JSONSchema); err != nil {
			return nil, fmt.Errorf("invalid output schema: %w", err)
		}
	}

	events := make(chan types.StreamEvent, streamBuffer)
	go a.run(ctx, req, events)
	return events, nil
}

// Execute runs the subprocess to completion and aggregates its stream.
func (a *Adapter) Execute(ctx context.Context, req Request) (*types.ExecutionResult, error) {
	events, err := a.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &types.ExecutionResult{}
	var text strings.Builder

	for ev := range events {
		switch ev.Kind {
		case types.EventInit:
			result.SessionID = ev.SessionID
		case types.EventText:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(ev.Text)
		case types.EventToolUse:
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{
				Name:  ev.ToolName,
				Input: ev.ToolInput,
			})
		case types.EventError:
			result.ErrorMessage = ev.ErrorMessage
			result.ErrorCode = ev.ErrorCode
			if ev.ErrorCode == types.ErrCodeRateLimited {
				result.IsRateLimited = true
			}
			if ev.ErrorCode == types.ErrCodeTimeout {
				result.Timeout = true
			}
		case types.EventComplete:
			result.ExitCode = ev.ExitCode
			result.CostUSD = ev.CostUSD
			result.NumTurns = ev.NumTurns
			if ev.SessionID != "" {
				result.SessionID = ev.SessionID
			}
			if ev.StructuredOutput != nil {
				result.StructuredOutput = ev.StructuredOutput
			}
		}
	}

	result.TextOutput = text.String()
	result.Success = result.ErrorCode == "" && result.ExitCode == 0
	result.Duration = time.Since(start)
	return result, nil
}

// buildArgs assembles the CLI argument list for a request.
func buildArgs(req Request) []string {
	args := []string{"-p", "--model", ResolveModel(req.Model), "--output-format", "json"}
	if req.JSONSchema != "" {
		args = append(args, "--json-schema", req.JSONSchema)
	}
	if req.SettingsPath != "" {
		args = append(args, "--settings", req.SettingsPath)
	}
	if req.Tools != nil {
		// An empty allow list still emits --tools "" so the CLI denies
		// every tool instead of applying its defaults.
		args = append(args, "--tools", strings.Join(*req.Tools, ","))
	}
	return args
}

// activityWindow derives the meaningful-activity timeout from the mode
// timeout: 30 seconds under the hard limit, clamped to [60s, 270s].
func activityWindow(timeout time.Duration) time.Duration {
	return ordered.Clamp(timeout-30*time.Second, 60*time.Second, 270*time.Second)
}

// resolveAccount picks and freshens the credential account for a request.
// A nil credential store opts out of credential management entirely.
func (a *Adapter) resolveAccount(ctx context.Context, req Request) (*credentials.Account, error) {
	if a.creds == nil {
		return nil, nil
	}
	account, err := a.creds.Resolve(ctx, req.ProjectPath, req.AccountID)
	if err != nil {
		return nil, err
	}
	return a.creds.EnsureFresh(ctx, account, credentials.DefaultExpiryBuffer)
}
