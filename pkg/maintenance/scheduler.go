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

// Package maintenance runs periodic background jobs: refreshing credential
// tokens before they expire and pruning old log rows. Jobs are registered on
// a cron engine; each fires independently and tolerates missed intervals
// (the next tick simply does the work the missed one would have).
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// tokenRefreshSpec fires the credential refresh sweep every 30 minutes.
	tokenRefreshSpec = "@every 30m"
	// logCleanupSpec fires the log retention sweep daily at 03:00 local time.
	logCleanupSpec = "0 3 * * *"

	// TokenRefreshBuffer is how far ahead of expiry a token gets refreshed.
	TokenRefreshBuffer = 4 * time.Hour
	// LogRetention is how long log rows are kept before the cleanup job
	// deletes them.
	LogRetention = 30 * 24 * time.Hour
)

// TokenRefresher refreshes credential accounts whose tokens expire within
// the buffer.
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, buffer time.Duration) (int, error)
}

// LogPruner deletes log rows older than the cutoff.
type LogPruner interface {
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler owns the cron engine and the job set. Either dependency may be
// nil, in which case the corresponding job is not registered (a project
// without a credentials store still gets log cleanup).
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	creds   TokenRefresher
	logs    LogPruner
	logger  *zap.Logger
	started bool

	// jobCtx is cancelled when Stop gives up waiting for in-flight jobs.
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

// NewScheduler builds a scheduler with both jobs registered.
func NewScheduler(creds TokenRefresher, logs LogPruner, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if creds == nil && logs == nil {
		return nil, fmt.Errorf("at least one of token refresher or log pruner is required")
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cron.New(),
		creds:     creds,
		logs:      logs,
		logger:    logger,
		jobCtx:    jobCtx,
		cancelJob: cancel,
	}

	if creds != nil {
		if _, err := s.cron.AddFunc(tokenRefreshSpec, func() { s.refreshTokens(s.jobCtx) }); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to add token refresh job: %w", err)
		}
	}
	if logs != nil {
		if _, err := s.cron.AddFunc(logCleanupSpec, func() { s.cleanupLogs(s.jobCtx) }); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to add log cleanup job: %w", err)
		}
	}

	return s, nil
}

// Start begins firing jobs on their schedules. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		zap.Bool("token_refresh", s.creds != nil),
		zap.Bool("log_cleanup", s.logs != nil))
}

// Stop halts the schedule and waits for in-flight jobs to finish. If ctx
// expires first, the jobs are cancelled and Stop returns the context error.
// Stopping an already-stopped scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancelJob()
		s.logger.Warn("maintenance scheduler shutdown timed out, cancelled in-flight jobs")
		return ctx.Err()
	}
}

// RunAll executes every registered job once, immediately. It is the manual
// trigger used by tests and by the doctor's deep-clean path; errors from the
// individual jobs are joined rather than short-circuiting.
func (s *Scheduler) RunAll(ctx context.Context) error {
	var errs []error
	if s.creds != nil {
		if err := s.runTokenRefresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.logs != nil {
		if err := s.runLogCleanup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) refreshTokens(ctx context.Context) {
	if err := s.runTokenRefresh(ctx); err != nil {
		s.logger.Warn("token refresh sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) runTokenRefresh(ctx context.Context) error {
	refreshed, err := s.creds.RefreshExpiring(ctx, TokenRefreshBuffer)
	if err != nil {
		return fmt.Errorf("failed to refresh expiring tokens: %w", err)
	}
	if refreshed > 0 {
		s.logger.Info("refreshed expiring credentials", zap.Int("accounts", refreshed))
	}
	return nil
}

func (s *Scheduler) cleanupLogs(ctx context.Context) {
	if err := s.runLogCleanup(ctx); err != nil {
		s.logger.Warn("log cleanup sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) runLogCleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-LogRetention)
	deleted, err := s.logs.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete old logs: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("pruned old logs",
			zap.Int64("rows", deleted),
			zap.Time("cutoff", cutoff))
	}
	return nil
}
