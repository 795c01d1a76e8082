// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"fmt"
	"time"
)

// ErrorCode classifies adapter and executor failures.
type ErrorCode string

const (
	// ErrCodeAuthRequired means no usable credentials exist. Never retried silently.
	ErrCodeAuthRequired ErrorCode = "AUTH_REQUIRED"
	// ErrCodeRateLimited means the provider throttled the request.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
	// ErrCodeTimeout means the meaningful-activity monitor fired.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeNoSessionFile means the subprocess died before writing a session log.
	ErrCodeNoSessionFile ErrorCode = "NO_SESSION_FILE"
	// ErrCodeStructuredOutputFailed means the model repeatedly could not
	// conform to the requested output schema.
	ErrCodeStructuredOutputFailed ErrorCode = "STRUCTURED_OUTPUT_FAILED"
	// ErrCodeExecutionError is the catch-all for subprocess failures.
	ErrCodeExecutionError ErrorCode = "EXECUTION_ERROR"
)

// ExitErrorCode builds the error code for a non-zero subprocess exit.
func ExitErrorCode(code int) ErrorCode {
	return ErrorCode(fmt.Sprintf("EXIT_%d", code))
}

// StreamEventKind identifies the semantic type of a stream event.
type StreamEventKind string

const (
	EventInit       StreamEventKind = "init"
	EventText       StreamEventKind = "text"
	EventThinking   StreamEventKind = "thinking"
	EventToolUse    StreamEventKind = "tool_use"
	EventToolResult StreamEventKind = "tool_result"
	EventUsage      StreamEventKind = "usage"
	EventError      StreamEventKind = "error"
	EventComplete   StreamEventKind = "complete"
)

// Meaningful reports whether the event counts as subprocess activity for
// the meaningful-activity timeout.
func (k StreamEventKind) Meaningful() bool {
	switch k {
	case EventInit, EventText, EventThinking, EventToolUse, EventToolResult:
		return true
	}
	return false
}

// TokenUsage carries token accounting from the session log.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is one semantically typed event from an LLM subprocess
// session. Only the fields relevant to Kind are populated.
type StreamEvent struct {
	Kind StreamEventKind `json:"kind"`

	// init, complete
	SessionID string `json:"session_id,omitempty"`

	// text, thinking
	Text string `json:"text,omitempty"`

	// tool_use, tool_result
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"`

	// usage
	Usage *TokenUsage `json:"usage,omitempty"`

	// error
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorCode    ErrorCode `json:"error_code,omitempty"`

	// complete
	ExitCode         int            `json:"exit_code,omitempty"`
	CostUSD          float64        `json:"cost_usd,omitempty"`
	NumTurns         int            `json:"num_turns,omitempty"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
}

// ToolCall records a tool invocation observed in the session stream.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ExecutionResult is the aggregate outcome of one subprocess invocation.
type ExecutionResult struct {
	SessionID        string         `json:"session_id,omitempty"`
	Success          bool           `json:"success"`
	TextOutput       string         `json:"text_output,omitempty"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
	ExitCode         int            `json:"exit_code"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ErrorCode        ErrorCode      `json:"error_code,omitempty"`
	IsRateLimited    bool           `json:"is_rate_limited,omitempty"`
	Timeout          bool           `json:"timeout,omitempty"`
	CostUSD          float64        `json:"cost_usd,omitempty"`
	NumTurns         int            `json:"num_turns,omitempty"`
	Duration         time.Duration  `json:"-"`
}

// ExecutorEventKind identifies executor lifecycle events.
type ExecutorEventKind string

const (
	ExecEventIterationStarted   ExecutorEventKind = "iteration_started"
	ExecEventIterationCompleted ExecutorEventKind = "iteration_completed"
	ExecEventHeartbeat          ExecutorEventKind = "heartbeat"
	ExecEventError              ExecutorEventKind = "error"
	ExecEventRunCompleted       ExecutorEventKind = "run_completed"
)

// ExecutorEvent is emitted by the loop executor at iteration boundaries.
type ExecutorEvent struct {
	Kind       ExecutorEventKind `json:"kind"`
	RunID      string            `json:"run_id"`
	LoopName   string            `json:"loop_name"`
	Iteration  int               `json:"iteration,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Message    string            `json:"message,omitempty"`
	ItemsAdded int               `json:"items_added,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
