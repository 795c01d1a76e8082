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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ralphx-dev/ralphx/pkg/credentials"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

// finalOutput is the JSON summary the CLI prints to stdout on exit.
type finalOutput struct {
	CostUSD          float64        `json:"cost_usd"`
	NumTurns         int            `json:"num_turns"`
	StructuredOutput map[string]any `json:"structured_output"`
	Result           string         `json:"result"`
	IsError          bool           `json:"is_error"`
	Subtype          string         `json:"subtype"`
}

// run drives one subprocess invocation end to end and closes the event
// channel when the outcome is fully reported.
func (a *Adapter) run(ctx context.Context, req Request, events chan<- types.StreamEvent) {
	defer close(events)

	// send tries buffered delivery first so the terminal error and
	// complete events still land after the deadline context expires.
	// Only a full channel with an expired context drops events.
	send := func(ev types.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		default:
		}
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	sendError := func(code types.ErrorCode, message string) bool {
		return send(types.StreamEvent{Kind: types.EventError, ErrorCode: code, ErrorMessage: message})
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	account, err := a.resolveAccount(ctx, req)
	if err != nil {
		a.logger.Warn("credential resolution failed", zap.Error(err))
		sendError(types.ErrCodeAuthRequired, err.Error())
		send(types.StreamEvent{Kind: types.EventComplete, ExitCode: -1})
		return
	}

	dir := sessionDir(a.home, req.ProjectPath)
	before := snapshotSessions(dir)

	proc, err := startProcess(a.bin, buildArgs(req), req, account)
	if err != nil {
		sendError(types.ErrCodeExecutionError, err.Error())
		send(types.StreamEvent{Kind: types.EventComplete, ExitCode: -1})
		return
	}
	a.logger.Debug("subprocess started",
		zap.Int("pid", proc.pid()),
		zap.String("model", ResolveModel(req.Model)),
		zap.String("session_dir", dir))

	path := discoverSession(ctx, dir, before, proc.done)
	if path == "" {
		exited := false
		select {
		case <-proc.done:
			exited = true
		default:
		}
		proc.stop()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			sendError(types.ErrCodeTimeout, "subprocess produced no session log before the timeout")
			send(types.StreamEvent{Kind: types.EventComplete, ExitCode: proc.exitCode()})
			return
		}

		stderrText := strings.TrimSpace(proc.stderr.String())
		code := classifyError(stderrText, types.ErrCodeNoSessionFile)
		message := "no session log appeared within the discovery window"
		if exited {
			message = "subprocess exited before writing a session log"
		}
		if stderrText != "" {
			message = fmt.Sprintf("%s: %s", message, truncate(stderrText, stderrExcerptLimit))
		}
		sendError(code, message)
		send(types.StreamEvent{Kind: types.EventComplete, ExitCode: proc.exitCode()})
		return
	}
	a.logger.Debug("session log discovered", zap.String("path", path))

	tr := newTranslator()
	tail := &tailer{path: path}
	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	window := activityWindow(req.Timeout)
	lastActivity := time.Now()

	emit := func(lines [][]byte) bool {
		for _, raw := range lines {
			for _, ev := range tr.translate(raw) {
				if ev.Kind.Meaningful() {
					lastActivity = time.Now()
				}
				if ev.Kind == types.EventInit && ev.SessionID != "" {
					sessionID = ev.SessionID
				}
				if !send(ev) {
					return false
				}
			}
		}
		return true
	}

	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

tailLoop:
	for {
		lines, err := tail.next(false)
		if err != nil && !os.IsNotExist(err) {
			a.logger.Warn("failed to read session log", zap.String("path", path), zap.Error(err))
		}
		if !emit(lines) {
			proc.stop()
			return
		}

		if time.Since(lastActivity) > window {
			sendError(types.ErrCodeTimeout,
				fmt.Sprintf("no meaningful activity for %s", window))
			proc.stop()
			break tailLoop
		}

		select {
		case <-proc.done:
			break tailLoop
		case <-ctx.Done():
			proc.stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				sendError(types.ErrCodeTimeout, "subprocess exceeded the mode timeout")
			}
			break tailLoop
		case <-ticker.C:
		}
	}

	// The process has exited on every path out of the loop; pick up the
	// lines written between the last poll and exit.
	if lines, err := tail.next(true); err == nil {
		if !emit(lines) {
			return
		}
	}

	exitCode := proc.exitCode()
	fin := parseFinalOutput(proc.stdout.String())

	switch {
	case fin.Subtype == "error_max_structured_output_retries":
		message := fin.Result
		if message == "" {
			message = "model could not conform to the output schema"
		}
		sendError(types.ErrCodeStructuredOutputFailed, message)
	case fin.IsError:
		sendError(classifyError(fin.Result, types.ErrCodeExecutionError), fin.Result)
	}

	if exitCode != 0 {
		stderrText := strings.TrimSpace(proc.stderr.String())
		if stderrText != "" {
			sendError(classifyError(stderrText, types.ExitErrorCode(exitCode)),
				truncate(stderrText, stderrExcerptLimit))
		}
	}

	if req.JSONSchema != "" && fin.StructuredOutput != nil {
		if err := conformsToSchema(req.JSONSchema, fin.StructuredOutput); err != nil {
			sendError(types.ErrCodeStructuredOutputFailed, err.Error())
		}
	}

	send(types.StreamEvent{
		Kind:             types.EventComplete,
		ExitCode:         exitCode,
		SessionID:        sessionID,
		CostUSD:          fin.CostUSD,
		NumTurns:         fin.NumTurns,
		StructuredOutput: fin.StructuredOutput,
	})
}

// parseFinalOutput decodes the CLI's stdout summary. Anything unparseable
// yields the zero value; the adapter then relies on exit code and stderr.
func parseFinalOutput(stdout string) finalOutput {
	var fin finalOutput
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return fin
	}
	_ = json.Unmarshal([]byte(trimmed), &fin)
	return fin
}

// process wraps one running CLI subprocess with drained pipes.
type process struct {
	cmd    *exec.Cmd
	stdout *cappedBuffer
	stderr *cappedBuffer

	// done closes after both pipes hit EOF and Wait returned; exitErr is
	// only readable after done.
	done    chan struct{}
	exitErr error

	stopOnce sync.Once
}

// startProcess spawns the CLI with a freshly composed environment, feeds
// the prompt on stdin, and starts the background pipe drains.
func startProcess(bin string, args []string, req Request, account *credentials.Account) (*process, error) {
	cmd := exec.Command(bin, args...)
	if req.ProjectPath != "" {
		cmd.Dir = req.ProjectPath
	}
	if account != nil {
		cmd.Env = credentials.Env(account)
	}
	// Own process group so stop() can signal the CLI and any tool
	// subprocesses it spawned in one shot.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}

	go func() {
		_, _ = io.WriteString(stdin, req.Prompt)
		_ = stdin.Close()
	}()

	p := &process{
		cmd:    cmd,
		stdout: newCappedBuffer(pipeCap),
		stderr: newCappedBuffer(pipeCap),
		done:   make(chan struct{}),
	}

	// Both pipes drain concurrently for the life of the process; reading
	// only one deadlocks the child once the other pipe's buffer fills.
	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := io.Copy(p.stdout, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(p.stderr, stderr)
		return err
	})
	go func() {
		_ = g.Wait()
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// pid returns the subprocess PID, 0 if unknown.
func (p *process) pid() int {
	if p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// stop terminates the subprocess group: SIGTERM, then SIGKILL after the
// grace period. It blocks until the process has exited and is a no-op
// when it already has.
func (p *process) stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if p.cmd.Process == nil {
			return
		}
		pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
		if err != nil {
			pgid = p.cmd.Process.Pid
		}
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	})
	<-p.done
}

// exitCode returns the subprocess exit code. Callers must wait for done
// first; stop() does.
func (p *process) exitCode() int {
	if p.exitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(p.exitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedBuffer retains the first cap bytes written and silently discards
// the rest, always reporting a full write so io.Copy keeps draining.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int
}

func newCappedBuffer(capacity int) *cappedBuffer {
	return &cappedBuffer{cap: capacity}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.cap - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
