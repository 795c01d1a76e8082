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

// Package executor drives one run of a loop: it selects a mode each
// iteration, claims work items for consumer loops, assembles the prompt,
// invokes the LLM subprocess, and persists the outcome. A run is strictly
// sequential; concurrency happens across runs, coordinated through the
// project store's claim operations.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/claude"
	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/prompt"
	"github.com/ralphx-dev/ralphx/pkg/store"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

const (
	// DefaultMaxConsecutiveErrors stops a run after this many failed
	// iterations in a row when the loop config does not set a limit.
	DefaultMaxConsecutiveErrors = 5

	// DefaultCheckpointEvery is how many iterations pass between progress
	// checkpoints when the loop config does not set an interval.
	DefaultCheckpointEvery = 5

	// DefaultStaleClaimAge is how old a claim must be before the reaper
	// releases it at run startup.
	DefaultStaleClaimAge = 30 * time.Minute

	// noItemBackoff is the minimum sleep after an empty claim round. The
	// loop cooldown applies instead when it is longer.
	noItemBackoff = 5 * time.Second

	// eventBuffer sizes the executor event channel. When the buffer fills
	// the executor blocks rather than dropping events.
	eventBuffer = 64
)

// Adapter runs one LLM subprocess invocation to completion.
type Adapter interface {
	Execute(ctx context.Context, req claude.Request) (*types.ExecutionResult, error)
}

// ResourceLoader supplies the injectable prompt resources for a loop,
// grouped by position and priority-sorted.
type ResourceLoader interface {
	LoadForLoop(ctx context.Context, loop *config.LoopConfig) (map[types.InjectionPosition][]*types.Resource, error)
}

// RunOptions tunes a single Run call.
type RunOptions struct {
	// ResumeFrom names a previous run whose latest checkpoint seeds the
	// iteration and item counters, so limits pick up where a crashed run
	// left off. The new run row still counts only its own work.
	ResumeFrom string

	// AccountID overrides the project-default credential account.
	AccountID string
}

// Executor owns the iteration loop for exactly one run. Create a fresh
// executor per run; Pause, Resume, and Stop may be called from any
// goroutine while Run is in flight.
type Executor struct {
	store       *store.Store
	adapter     Adapter
	builder     *prompt.Builder
	resources   ResourceLoader
	cfg         *config.LoopConfig
	projectPath string
	logger      *zap.Logger

	staleAfter time.Duration
	rng        *rand.Rand

	events chan types.ExecutorEvent

	mu        sync.Mutex
	pauseCh   chan struct{}
	cancelRun context.CancelFunc
	stopping  bool
	started   bool

	phase1Done      bool
	phase1Succeeded map[string]bool

	schemas map[string]string
}

// Option customizes an Executor.
type Option func(*Executor)

// WithResources attaches a resource loader so prompts carry the project's
// injectable resources.
func WithResources(loader ResourceLoader) Option {
	return func(e *Executor) { e.resources = loader }
}

// WithRandSeed fixes the mode-selection RNG seed. Zero keeps a
// time-derived seed.
func WithRandSeed(seed int64) Option {
	return func(e *Executor) {
		if seed != 0 {
			// #nosec G404 -- mode selection is statistical, not cryptographic
			e.rng = rand.New(rand.NewSource(seed))
		}
	}
}

// WithStaleClaimAge overrides how old a claim must be before the startup
// reaper releases it.
func WithStaleClaimAge(age time.Duration) Option {
	return func(e *Executor) {
		if age > 0 {
			e.staleAfter = age
		}
	}
}

// New creates an executor for one run of the given loop.
func New(st *store.Store, adapter Adapter, cfg *config.LoopConfig, projectPath string, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if adapter == nil {
		return nil, errors.New("adapter is required")
	}
	if cfg == nil {
		return nil, errors.New("loop config is required")
	}
	if cfg.Type == types.LoopTypeConsumer && cfg.SourceLoop() == "" {
		return nil, fmt.Errorf("consumer loop %q has no input source", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		store:       st,
		adapter:     adapter,
		builder:     prompt.NewBuilder(logger),
		cfg:         cfg,
		projectPath: projectPath,
		logger:      logger,
		staleAfter:  DefaultStaleClaimAge,
		// #nosec G404 -- mode selection is statistical, not cryptographic
		rng:             rand.New(rand.NewSource(rand.Int63())),
		events:          make(chan types.ExecutorEvent, eventBuffer),
		phase1Succeeded: make(map[string]bool),
		schemas:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Events returns the executor's event stream. The channel is closed when
// Run returns; consumers that stop draining will eventually block the run.
func (e *Executor) Events() <-chan types.ExecutorEvent {
	return e.events
}

// Pause suspends the run at the next iteration boundary. Idempotent.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauseCh == nil {
		e.pauseCh = make(chan struct{})
	}
}

// Resume lifts a pause. Idempotent.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauseCh != nil {
		close(e.pauseCh)
		e.pauseCh = nil
	}
}

// Stop requests an orderly abort: the in-flight subprocess is cancelled and
// the run transitions to aborted at the next boundary, after the current
// iteration released its claims. Idempotent.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return
	}
	e.stopping = true
	if e.cancelRun != nil {
		e.cancelRun()
	}
}

func (e *Executor) stopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

// runState carries the in-memory progress counters. The iteration counter
// backs the limit checks and may exceed the run row's iterations_completed
// when the run was resumed from a checkpoint.
type runState struct {
	iteration      int
	itemsGenerated int
}

// Run executes the loop until a limit, a stop request, or a fatal error
// ends it. It returns the final run row.
func (e *Executor) Run(ctx context.Context, opts RunOptions) (*types.Run, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, errors.New("executor already ran; create a new executor per run")
	}
	e.started = true
	e.mu.Unlock()
	defer close(e.events)

	if existing, err := e.store.GetActiveRun(ctx, e.cfg.Name); err == nil {
		return nil, fmt.Errorf("loop %q already has run %s in status %s",
			e.cfg.Name, existing.ID, existing.Status)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for an active run: %w", err)
	}

	run, err := e.store.CreateRun(ctx, e.cfg.Name)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetRunPID(ctx, run.ID, os.Getpid()); err != nil {
		e.logger.Warn("failed to stamp executor pid", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancelRun = cancel
	alreadyStopping := e.stopping
	e.mu.Unlock()
	if alreadyStopping {
		cancel()
	}

	state := e.seedState(ctx, opts)

	if e.cfg.Type == types.LoopTypeConsumer {
		released, err := e.store.ReleaseStaleClaims(ctx, e.staleAfter)
		if err != nil {
			e.logger.Warn("stale claim reaper failed", zap.Error(err))
		} else if released > 0 {
			e.logger.Info("released stale claims",
				zap.Int64("count", released),
				zap.Duration("max_age", e.staleAfter))
		}
	}

	e.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("loop", e.cfg.Name),
		zap.String("type", string(e.cfg.Type)))

	status, message := e.loop(ctx, runCtx, run, &state, opts)

	finCtx, cancelFin := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFin()
	if err := e.store.UpdateRunStatus(finCtx, run.ID, status, message); err != nil {
		e.logger.Error("failed to persist final run status",
			zap.String("run_id", run.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	e.emit(ctx, types.ExecutorEvent{
		Kind:      types.ExecEventRunCompleted,
		RunID:     run.ID,
		LoopName:  e.cfg.Name,
		Iteration: state.iteration,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})

	e.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.String("reason", message),
		zap.Int("iterations", state.iteration),
		zap.Int("items_generated", state.itemsGenerated))

	final, err := e.store.GetRun(finCtx, run.ID)
	if err != nil {
		return run, nil
	}
	return final, nil
}

// loop is the per-iteration state machine. It returns the terminal status
// and the operator-facing reason.
func (e *Executor) loop(ctx, runCtx context.Context, run *types.Run, state *runState, opts RunOptions) (types.RunStatus, string) {
	claimer := types.ClaimerID(e.cfg.Name, run.ID)
	maxErrors := e.cfg.Limits.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxConsecutiveErrors
	}
	checkpointEvery := e.cfg.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = DefaultCheckpointEvery
	}
	cooldown := time.Duration(e.cfg.Limits.CooldownBetweenIterations) * time.Second

	start := time.Now()
	consecutiveErrors := 0

	for {
		if e.stopRequested() || runCtx.Err() != nil {
			return types.RunStatusAborted, "stopped by operator"
		}
		if reason := e.limitReached(state.iteration, start); reason != "" {
			return types.RunStatusCompleted, reason
		}
		if err := e.awaitResume(ctx, runCtx, run.ID); err != nil {
			return types.RunStatusAborted, "stopped by operator"
		}

		modeName, mode, err := e.selectMode()
		if err != nil {
			return types.RunStatusError, err.Error()
		}

		state.iteration++
		e.emit(runCtx, types.ExecutorEvent{
			Kind:      types.ExecEventIterationStarted,
			RunID:     run.ID,
			LoopName:  e.cfg.Name,
			Iteration: state.iteration,
			Mode:      modeName,
			Timestamp: time.Now().UTC(),
		})

		outcome := e.iterate(ctx, runCtx, run, state, modeName, mode, claimer, opts)

		if outcome.noItem {
			// The iteration never did anything; give the budget back.
			state.iteration--
			e.emit(runCtx, types.ExecutorEvent{
				Kind:      types.ExecEventHeartbeat,
				RunID:     run.ID,
				LoopName:  e.cfg.Name,
				Mode:      modeName,
				Message:   "no claimable items",
				Timestamp: time.Now().UTC(),
			})
			if err := e.store.TouchRunActivity(ctx, run.ID); err != nil {
				e.logger.Warn("failed to touch run activity", zap.Error(err))
			}
			e.sleep(runCtx, maxDuration(noItemBackoff, cooldown))
			continue
		}

		if outcome.err != nil {
			consecutiveErrors++
			e.logger.Warn("iteration failed",
				zap.String("run_id", run.ID),
				zap.Int("iteration", state.iteration),
				zap.String("mode", modeName),
				zap.Int("consecutive_errors", consecutiveErrors),
				zap.Error(outcome.err))
			e.emit(runCtx, types.ExecutorEvent{
				Kind:      types.ExecEventError,
				RunID:     run.ID,
				LoopName:  e.cfg.Name,
				Iteration: state.iteration,
				Mode:      modeName,
				Message:   outcome.err.Error(),
				Timestamp: time.Now().UTC(),
			})
		} else {
			consecutiveErrors = 0
			state.itemsGenerated += outcome.added
			e.markModeSuccess(modeName, mode)
		}

		if err := e.store.IncrementRunCounters(ctx, run.ID, 1, outcome.added); err != nil {
			e.logger.Warn("failed to increment run counters", zap.Error(err))
		}
		e.persistSession(ctx, run.ID, state.iteration, modeName, outcome)
		e.appendIterationLog(ctx, run.ID, state.iteration, modeName, outcome)
		if state.iteration%checkpointEvery == 0 {
			e.saveCheckpoint(ctx, run.ID, state, modeName)
		}

		e.emit(runCtx, types.ExecutorEvent{
			Kind:       types.ExecEventIterationCompleted,
			RunID:      run.ID,
			LoopName:   e.cfg.Name,
			Iteration:  state.iteration,
			Mode:       modeName,
			ItemsAdded: outcome.added,
			Timestamp:  time.Now().UTC(),
		})

		if consecutiveErrors >= maxErrors {
			return types.RunStatusCompleted,
				fmt.Sprintf("stopped after %d consecutive errors", consecutiveErrors)
		}
		e.sleep(runCtx, cooldown)
	}
}

// iterationOutcome is the result of one iteration attempt.
type iterationOutcome struct {
	noItem    bool
	added     int
	sessionID string
	duration  time.Duration
	err       error
}

// iterate performs the claim, prompt, subprocess, and persistence work of
// one iteration. Claimed items are released on every failure path.
func (e *Executor) iterate(ctx, runCtx context.Context, run *types.Run, state *runState, modeName string, mode config.Mode, claimer string, opts RunOptions) iterationOutcome {
	var out iterationOutcome

	var claimed []*types.WorkItem
	if e.cfg.Type == types.LoopTypeConsumer {
		var err error
		claimed, err = e.claimBatch(ctx, claimer)
		if err != nil {
			out.err = err
			return out
		}
		if len(claimed) == 0 {
			out.noItem = true
			return out
		}
	}

	req, err := e.buildRequest(ctx, run, state, modeName, mode, claimed, opts)
	if err != nil {
		e.releaseClaims(ctx, claimed, claimer)
		out.err = err
		return out
	}

	result, err := e.adapter.Execute(runCtx, *req)
	if err != nil {
		e.releaseClaims(ctx, claimed, claimer)
		out.err = fmt.Errorf("subprocess failed to launch: %w", err)
		return out
	}
	out.sessionID = result.SessionID
	out.duration = result.Duration

	if !result.Success {
		e.releaseClaims(ctx, claimed, claimer)
		out.err = fmt.Errorf("%s: %s", result.ErrorCode, result.ErrorMessage)
		return out
	}

	if producesItems(e.cfg) {
		added, err := e.persistExtracted(ctx, result.TextOutput)
		if err != nil {
			e.releaseClaims(ctx, claimed, claimer)
			out.err = err
			return out
		}
		out.added = added
	}

	if len(claimed) > 0 {
		if err := e.completeClaims(ctx, claimed, claimer, result); err != nil {
			// Items already resolved keep their terminal status; release
			// only affects rows still claimed by this run.
			e.releaseClaims(ctx, claimed, claimer)
			out.err = err
			return out
		}
	}
	return out
}

// buildRequest assembles the prompt and the subprocess request for one
// iteration.
func (e *Executor) buildRequest(ctx context.Context, run *types.Run, state *runState, modeName string, mode config.Mode, claimed []*types.WorkItem, opts RunOptions) (*claude.Request, error) {
	var resources map[types.InjectionPosition][]*types.Resource
	if e.resources != nil {
		var err error
		resources, err = e.resources.LoadForLoop(ctx, e.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load resources: %w", err)
		}
	}

	var existing []*types.WorkItem
	if producesItems(e.cfg) {
		var err error
		existing, err = e.store.ListWorkItems(ctx, store.ItemFilter{SourceLoop: e.cfg.Name})
		if err != nil {
			return nil, fmt.Errorf("failed to list produced items: %w", err)
		}
	}

	input := prompt.BuildInput{
		ProjectPath: e.projectPath,
		Loop:        e.cfg,
		ModeName:    modeName,
		Mode:        mode,
		Resources:   resources,
		Existing:    existing,
		RunID:       run.ID,
		Iteration:   state.iteration,
	}
	if len(claimed) > 0 {
		input.Item = claimed[0]
		input.Batch = claimed
	}

	promptText, err := e.builder.Build(input)
	if err != nil {
		return nil, err
	}

	schema, err := e.modeSchema(modeName, mode)
	if err != nil {
		return nil, err
	}

	return &claude.Request{
		Prompt:       promptText,
		Model:        mode.Model,
		Tools:        mode.Tools,
		Timeout:      time.Duration(mode.TimeoutSeconds) * time.Second,
		JSONSchema:   schema,
		SettingsPath: e.settingsPath(),
		AccountID:    opts.AccountID,
		ProjectPath:  e.projectPath,
	}, nil
}

// modeSchema loads and compacts the mode's structured-output schema,
// caching per mode name.
func (e *Executor) modeSchema(modeName string, mode config.Mode) (string, error) {
	if mode.JSONSchemaPath == "" {
		return "", nil
	}
	if cached, ok := e.schemas[modeName]; ok {
		return cached, nil
	}
	path := mode.JSONSchemaPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.projectPath, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read json schema for mode %s: %w", modeName, err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", fmt.Errorf("invalid json schema for mode %s: %w", modeName, err)
	}
	e.schemas[modeName] = compact.String()
	return e.schemas[modeName], nil
}

// settingsPath returns the per-loop CLI settings file when one exists.
func (e *Executor) settingsPath() string {
	path := config.SettingsPath(e.projectPath, e.cfg.Name)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// seedState loads checkpointed counters when resuming.
func (e *Executor) seedState(ctx context.Context, opts RunOptions) runState {
	if opts.ResumeFrom == "" {
		return runState{}
	}
	cp, err := e.store.GetLatestCheckpoint(ctx, opts.ResumeFrom)
	if err != nil {
		e.logger.Warn("failed to load checkpoint, starting fresh",
			zap.String("resume_from", opts.ResumeFrom),
			zap.Error(err))
		return runState{}
	}
	state := runState{
		iteration:      stateInt(cp.State, "iteration"),
		itemsGenerated: stateInt(cp.State, "items_generated"),
	}
	e.logger.Info("resumed from checkpoint",
		zap.String("resume_from", opts.ResumeFrom),
		zap.String("checkpoint", cp.Name),
		zap.Int("iteration", state.iteration))
	return state
}

func stateInt(state map[string]any, key string) int {
	switch v := state[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// saveCheckpoint persists a progress snapshot.
func (e *Executor) saveCheckpoint(ctx context.Context, runID string, state *runState, modeName string) {
	name := fmt.Sprintf("iteration-%d", state.iteration)
	_, err := e.store.SaveCheckpoint(ctx, runID, name, map[string]any{
		"iteration":       state.iteration,
		"mode":            modeName,
		"items_generated": state.itemsGenerated,
	})
	if err != nil {
		e.logger.Warn("failed to save checkpoint",
			zap.String("run_id", runID),
			zap.String("checkpoint", name),
			zap.Error(err))
	}
}

// persistSession records the subprocess invocation. Invocations that never
// produced a session file have nothing to key the row on and are skipped.
func (e *Executor) persistSession(ctx context.Context, runID string, iteration int, modeName string, outcome iterationOutcome) {
	if outcome.sessionID == "" {
		return
	}
	status := "completed"
	if outcome.err != nil {
		status = "error"
	}
	session := &types.Session{
		ID:              outcome.sessionID,
		RunID:           runID,
		Iteration:       iteration,
		Mode:            modeName,
		StartedAt:       time.Now().UTC().Add(-outcome.duration),
		DurationSeconds: outcome.duration.Seconds(),
		Status:          status,
		ItemsAdded:      outcome.added,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		e.logger.Warn("failed to record session",
			zap.String("session_id", outcome.sessionID),
			zap.Error(err))
	}
}

// appendIterationLog writes a one-line iteration summary into the project
// log table, where it survives process exit and feeds log retention.
func (e *Executor) appendIterationLog(ctx context.Context, runID string, iteration int, modeName string, outcome iterationOutcome) {
	level := "info"
	message := fmt.Sprintf("run %s iteration %d (%s): %d items in %s",
		runID, iteration, modeName, outcome.added, outcome.duration.Round(time.Millisecond))
	if outcome.err != nil {
		level = "error"
		message = fmt.Sprintf("run %s iteration %d (%s) failed: %v",
			runID, iteration, modeName, outcome.err)
	}
	if err := e.store.AppendLog(ctx, level, "executor", message); err != nil {
		e.logger.Warn("failed to append iteration log", zap.Error(err))
	}
}

// awaitResume blocks while the executor is paused, mirroring the pause into
// the run row so observers see it.
func (e *Executor) awaitResume(ctx, runCtx context.Context, runID string) error {
	e.mu.Lock()
	ch := e.pauseCh
	e.mu.Unlock()
	if ch == nil {
		return nil
	}

	if err := e.store.UpdateRunStatus(ctx, runID, types.RunStatusPaused, ""); err != nil {
		e.logger.Warn("failed to mark run paused", zap.Error(err))
	}
	e.logger.Info("run paused", zap.String("run_id", runID))

	select {
	case <-ch:
		if err := e.store.UpdateRunStatus(ctx, runID, types.RunStatusActive, ""); err != nil {
			e.logger.Warn("failed to mark run active", zap.Error(err))
		}
		e.logger.Info("run resumed", zap.String("run_id", runID))
		return nil
	case <-runCtx.Done():
		return runCtx.Err()
	}
}

// limitReached reports the reason a run budget is exhausted, or "".
func (e *Executor) limitReached(iteration int, start time.Time) string {
	if max := e.cfg.Limits.MaxIterations; max > 0 && iteration >= max {
		return fmt.Sprintf("iteration limit reached (%d)", max)
	}
	if max := e.cfg.Limits.MaxRuntimeSeconds; max > 0 && time.Since(start) >= time.Duration(max)*time.Second {
		return fmt.Sprintf("runtime limit reached (%ds)", max)
	}
	return ""
}

// emit delivers an event, preferring the buffer so shutdown cannot drop
// events that still fit. A full buffer blocks until the consumer catches up
// or the context ends.
func (e *Executor) emit(ctx context.Context, ev types.ExecutorEvent) {
	select {
	case e.events <- ev:
		return
	default:
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// sleep waits for d or until the context ends.
func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// producesItems reports whether the loop's output should run item
// extraction.
func producesItems(cfg *config.LoopConfig) bool {
	if cfg.Type == types.LoopTypeGenerator {
		return true
	}
	return cfg.ItemTypes != nil && cfg.ItemTypes.Output != nil
}
