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
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/internal/log"
	"github.com/ralphx-dev/ralphx/pkg/claude"
	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/credentials"
	"github.com/ralphx-dev/ralphx/pkg/executor"
	"github.com/ralphx-dev/ralphx/pkg/maintenance"
	"github.com/ralphx-dev/ralphx/pkg/resources"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run [loop]",
	Short: "Run a loop until a limit or stop condition is hit",
	Long: heredoc.Doc(`
		Run a loop. Each iteration picks a mode, composes a prompt,
		invokes the Claude CLI as a subprocess, and records the outcome
		in the project store. Progress streams to stderr; a summary is
		printed when the run ends.

		Ctrl+C stops the run after the current iteration finishes and
		releases any claimed items. A second Ctrl+C aborts immediately.

		Examples:
		  ralphx run planner
		  ralphx run builder --account work
		  ralphx run builder --resume 3f8c2a31-0a7e-4a44-9b1c-2f6d0c9e5a10
	`),
	Args: exactArgs(1),
	Run:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("resume", "", "run ID whose latest checkpoint seeds the counters")
	runCmd.Flags().String("account", "", "credential account ID (default: project default)")
	runCmd.Flags().Int64("seed", 0, "mode-selection RNG seed (0 = time-derived)")
	runCmd.Flags().Duration("stale-claim-age", 0, "release claims older than this at startup (default 30m)")
	runCmd.Flags().String("claude-bin", "", "path to the Claude CLI binary (default: claude on PATH)")
}

func runRun(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	logger := log.Logger()
	loopName := args[0]

	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	cfg, err := config.LoadLoop(project.Path, loopName)
	if err != nil {
		fail(err)
	}

	// Credentials are optional: without a store the subprocess inherits
	// the parent environment, which is how unmanaged installs work.
	creds, err := credentials.Open(ctx, config.CredentialsDBPath(), logger)
	if err != nil {
		logger.Warn("credentials store unavailable; subprocess inherits the environment", zap.Error(err))
		creds = nil
	} else {
		defer creds.Close()
	}

	var adapterOpts []claude.Option
	if bin, _ := cmd.Flags().GetString("claude-bin"); bin != "" {
		adapterOpts = append(adapterOpts, claude.WithBinary(bin))
	}
	adapter, err := claude.New(creds, logger, adapterOpts...)
	if err != nil {
		fail(err)
	}

	mgr := resources.NewManager(st, project.Path, logger)
	if result, err := mgr.Sync(ctx); err != nil {
		logger.Warn("resource sync failed; prompts use the stored snapshot", zap.Error(err))
	} else if !result.Empty() {
		logger.Info("resources synced",
			zap.Int("added", len(result.Added)),
			zap.Int("updated", len(result.Updated)),
			zap.Int("removed", len(result.Removed)))
	}

	// Background maintenance keeps tokens fresh and prunes old logs for
	// the lifetime of the run.
	var refresher maintenance.TokenRefresher
	if creds != nil {
		refresher = creds
	}
	sched, err := maintenance.NewScheduler(refresher, st, logger)
	if err != nil {
		fail(err)
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	}()

	execOpts := []executor.Option{executor.WithResources(mgr)}
	if seed, _ := cmd.Flags().GetInt64("seed"); seed != 0 {
		execOpts = append(execOpts, executor.WithRandSeed(seed))
	}
	if age, _ := cmd.Flags().GetDuration("stale-claim-age"); age > 0 {
		execOpts = append(execOpts, executor.WithStaleClaimAge(age))
	}

	exec, err := executor.New(st, adapter, cfg, project.Path, logger, execOpts...)
	if err != nil {
		fail(err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("stop requested; finishing the current iteration (Ctrl+C again to abort)")
		exec.Stop()
		<-sigCh
		logger.Warn("aborting immediately")
		os.Exit(1)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		streamEvents(exec)
	}()

	resumeFrom, _ := cmd.Flags().GetString("resume")
	accountID, _ := cmd.Flags().GetString("account")
	run, err := exec.Run(ctx, executor.RunOptions{ResumeFrom: resumeFrom, AccountID: accountID})
	<-done
	if err != nil {
		fail(err)
	}

	printRunSummary(run)
	if run.Status == types.RunStatusError {
		os.Exit(1)
	}
}

// streamEvents mirrors executor events onto stderr until the channel
// closes. The executor logs run start/finish and failures itself, so only
// the per-iteration cadence is logged here.
func streamEvents(exec *executor.Executor) {
	logger := log.Logger()
	for ev := range exec.Events() {
		fields := []zap.Field{
			zap.String("run_id", ev.RunID),
			zap.Int("iteration", ev.Iteration),
		}
		if ev.Mode != "" {
			fields = append(fields, zap.String("mode", ev.Mode))
		}
		switch ev.Kind {
		case types.ExecEventIterationStarted:
			logger.Info("iteration started", fields...)
		case types.ExecEventIterationCompleted:
			logger.Info("iteration completed", append(fields, zap.Int("items_added", ev.ItemsAdded))...)
		case types.ExecEventHeartbeat:
			logger.Debug(ev.Message, fields...)
		case types.ExecEventError, types.ExecEventRunCompleted:
			// Already logged by the executor with richer context.
		}
	}
}

func printRunSummary(run *types.Run) {
	fmt.Printf("\nRun %s: %s\n", shortID(run.ID), run.Status)
	fmt.Printf("  Loop:       %s\n", run.LoopName)
	fmt.Printf("  Iterations: %d\n", run.IterationsCompleted)
	fmt.Printf("  Items:      %d\n", run.ItemsGenerated)
	if run.CompletedAt != nil {
		fmt.Printf("  Duration:   %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.ErrorMessage != nil && *run.ErrorMessage != "" {
		fmt.Printf("  Reason:     %s\n", *run.ErrorMessage)
	}
}
