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

// Package doctor detects and cleans up stale runs: rows that claim to be
// active or paused but whose executor is gone. Crashed executors cannot
// update their own run row, so staleness is inferred from the PID stamped
// at run creation and the last_activity_at heartbeat.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// DefaultMaxInactivity is the staleness threshold when none is configured.
const DefaultMaxInactivity = 30 * time.Minute

// Reason identifies which staleness rule matched.
type Reason string

const (
	// ReasonDeadPID: the stamped executor PID is not running.
	ReasonDeadPID Reason = "dead_pid"
	// ReasonInactive: no heartbeat within the threshold and no PID to
	// vouch for the run.
	ReasonInactive Reason = "inactive"
	// ReasonNoLivenessMetadata: legacy rows with neither PID nor
	// heartbeat, judged by their age alone.
	ReasonNoLivenessMetadata Reason = "no_liveness_metadata"
	// ReasonPIDReuseSuspected: a process answers on the stamped PID but
	// the heartbeat is more than twice the threshold old, so the PID has
	// likely been recycled by the OS.
	ReasonPIDReuseSuspected Reason = "pid_reuse_suspected"
)

// Finding is one stale run and why it was classified stale.
type Finding struct {
	Run    *types.Run
	Reason Reason
	Detail string
}

// RunStore is the slice of the project store the doctor needs.
type RunStore interface {
	ListUnfinishedRuns(ctx context.Context) ([]*types.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status types.RunStatus, errorMessage string) error
	ReleaseClaimsByClaimer(ctx context.Context, claimer string) (int64, error)
}

// Options tune staleness detection. The zero value uses the default
// threshold, the wall clock, and host PID probing.
type Options struct {
	MaxInactivity time.Duration
	Now           func() time.Time
	PIDAlive      func(pid int) bool
}

// Doctor checks a project's runs for staleness.
type Doctor struct {
	store  RunStore
	logger *zap.Logger
	opts   Options
}

// New creates a doctor over the given store.
func New(st RunStore, logger *zap.Logger, opts Options) *Doctor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxInactivity <= 0 {
		opts.MaxInactivity = DefaultMaxInactivity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PIDAlive == nil {
		opts.PIDAlive = pidAlive
	}
	return &Doctor{store: st, logger: logger, opts: opts}
}

// Check classifies every unfinished run against the staleness rules and
// returns the stale ones. Terminal runs are never reported.
func (d *Doctor) Check(ctx context.Context) ([]Finding, error) {
	runs, err := d.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished runs: %w", err)
	}

	threshold := d.opts.MaxInactivity
	now := d.opts.Now()

	var findings []Finding
	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		if f := d.classify(run, now, threshold); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings, nil
}

// classify applies the rules in specificity order. A stamped PID is the
// strongest signal: dead means stale outright, alive raises the
// inactivity bar to twice the threshold to account for PID reuse.
func (d *Doctor) classify(run *types.Run, now time.Time, threshold time.Duration) *Finding {
	hasPID := run.ExecutorPID != nil
	var inactivity time.Duration
	if run.LastActivityAt != nil {
		inactivity = now.Sub(*run.LastActivityAt)
	}

	if hasPID {
		pid := *run.ExecutorPID
		if !d.opts.PIDAlive(pid) {
			return &Finding{
				Run:    run,
				Reason: ReasonDeadPID,
				Detail: fmt.Sprintf("executor process %d is not running", pid),
			}
		}
		if run.LastActivityAt != nil && inactivity > 2*threshold {
			return &Finding{
				Run:    run,
				Reason: ReasonPIDReuseSuspected,
				Detail: fmt.Sprintf("process %d answers but the run has been silent for %s (twice the %s threshold); the PID was likely recycled",
					pid, inactivity.Round(time.Second), threshold),
			}
		}
		return nil
	}

	if run.LastActivityAt != nil {
		if inactivity > threshold {
			return &Finding{
				Run:    run,
				Reason: ReasonInactive,
				Detail: fmt.Sprintf("no activity for %s (threshold %s)",
					inactivity.Round(time.Second), threshold),
			}
		}
		return nil
	}

	if age := now.Sub(run.StartedAt); age > threshold {
		return &Finding{
			Run:    run,
			Reason: ReasonNoLivenessMetadata,
			Detail: fmt.Sprintf("run carries no PID or heartbeat and started %s ago",
				age.Round(time.Second)),
		}
	}
	return nil
}

// Cleanup aborts each stale run and releases the claims it was holding.
// It returns how many runs were cleaned; a failure on one run does not
// stop the rest.
func (d *Doctor) Cleanup(ctx context.Context, findings []Finding) (int, error) {
	cleaned := 0
	var errs []error
	for _, f := range findings {
		message := fmt.Sprintf("aborted as stale: %s", f.Detail)
		if err := d.store.UpdateRunStatus(ctx, f.Run.ID, types.RunStatusAborted, message); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", f.Run.ID, err))
			continue
		}
		released, err := d.store.ReleaseClaimsByClaimer(ctx, types.ClaimerID(f.Run.LoopName, f.Run.ID))
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s claims: %w", f.Run.ID, err))
		}
		d.logger.Info("cleaned up stale run",
			zap.String("run_id", f.Run.ID),
			zap.String("loop", f.Run.LoopName),
			zap.String("reason", string(f.Reason)),
			zap.Int64("claims_released", released))
		cleaned++
	}
	return cleaned, errors.Join(errs...)
}

// pidAlive probes a PID with the null signal. EPERM still means the
// process exists, just under another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
