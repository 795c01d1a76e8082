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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ralphx-dev/ralphx/internal/log"
	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/resources"
	"github.com/ralphx-dev/ralphx/pkg/store"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

var loopsCmd = &cobra.Command{
	Use:   "loops",
	Short: "Manage loop configurations",
	Long: `Manage the loop configurations of a project.

Loops live as YAML files under <project>/.ralphx/loops/ and describe
how ralphx repeatedly invokes the Claude CLI: which models, which
prompt templates, how a mode is picked each iteration, and when to
stop.`,
}

var loopsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the project's loops",
	Args:  noArgs,
	Run:   runLoopsList,
}

var loopsShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a loop's configuration and recent runs",
	Args:  exactArgs(1),
	Run:   runLoopsShow,
}

var loopsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync resource files into the project store",
	Long: `Sync the resource tree under .ralphx/resources/ into the store.

Files without a row are added, files newer than their row update it,
and rows whose file is gone are removed. With --watch the command keeps
running and re-syncs whenever the tree changes.`,
	Args: noArgs,
	Run:  runLoopsSync,
}

var loopsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Scaffold a new loop configuration",
	Long: heredoc.Doc(`
		Scaffold a commented loop configuration and a starter prompt
		template, then validate the result.

		Examples:
		  ralphx loops create planner --type generator
		  ralphx loops create builder --type consumer --source planner
	`),
	Args: exactArgs(1),
	Run:  runLoopsCreate,
}

var loopsDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a loop configuration",
	Args:  exactArgs(1),
	Run:   runLoopsDelete,
}

func init() {
	rootCmd.AddCommand(loopsCmd)
	loopsCmd.AddCommand(loopsListCmd)
	loopsCmd.AddCommand(loopsShowCmd)
	loopsCmd.AddCommand(loopsSyncCmd)
	loopsCmd.AddCommand(loopsCreateCmd)
	loopsCmd.AddCommand(loopsDeleteCmd)

	loopsSyncCmd.Flags().Bool("watch", false, "keep watching the resource tree and re-sync on change")
	loopsCreateCmd.Flags().String("type", "generator", "loop type (generator, consumer)")
	loopsCreateCmd.Flags().String("source", "", "source loop for consumer loops")
	loopsDeleteCmd.Flags().Bool("force", false, "delete even when the loop has an active run")
}

func runLoopsList(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	loops, err := config.ListLoops(project.Path)
	if err != nil {
		fail(err)
	}
	if len(loops) == 0 {
		fmt.Printf("No loops configured in %s\n", config.LoopsDir(project.Path))
		fmt.Println("Create one with: ralphx loops create <name>")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSTRATEGY\tMODES\tSOURCE\tACTIVE RUN")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, loop := range loops {
		source := loop.SourceLoop()
		if source == "" {
			source = "-"
		}
		active := "-"
		if run, err := st.GetActiveRun(ctx, loop.Name); err == nil && run != nil {
			active = fmt.Sprintf("%s (%s)", shortID(run.ID), run.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			loop.Name, loop.Type, loop.ModeSelection.Strategy, loop.Modes.Len(), source, active)
	}
	_ = w.Flush()
}

func runLoopsShow(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	loop, err := config.LoadLoop(project.Path, args[0])
	if err != nil {
		fail(err)
	}

	data, err := yaml.Marshal(loop)
	if err != nil {
		fail(fmt.Errorf("failed to render loop config: %w", err))
	}
	fmt.Printf("# %s\n%s", config.LoopConfigPath(project.Path, loop.Name), data)

	runs, err := st.ListRuns(ctx, loop.Name, 5)
	if err != nil {
		fail(err)
	}
	if len(runs) == 0 {
		return
	}

	fmt.Println("\nRecent runs:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tITERATIONS\tITEMS\tSTARTED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			shortID(run.ID), run.Status, run.IterationsCompleted, run.ItemsGenerated,
			run.StartedAt.Local().Format(time.RFC3339))
	}
	_ = w.Flush()
}

func runLoopsSync(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	mgr := resources.NewManager(st, project.Path, log.Logger())
	result, err := mgr.Sync(ctx)
	if err != nil {
		fail(err)
	}
	printSyncResult(result)

	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
		return
	}

	watchCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	fmt.Println("Watching for resource changes (Ctrl+C to stop)...")
	if err := mgr.Watch(watchCtx, printSyncResult); err != nil {
		fail(err)
	}
}

func printSyncResult(result *resources.SyncResult) {
	for _, name := range result.Added {
		fmt.Printf("  added    %s\n", name)
	}
	for _, name := range result.Updated {
		fmt.Printf("  updated  %s\n", name)
	}
	for _, name := range result.Removed {
		fmt.Printf("  removed  %s\n", name)
	}
	for _, err := range result.Errors {
		fmt.Fprintf(os.Stderr, "  rejected %v\n", err)
	}
	if result.Empty() {
		fmt.Println("Resources are in sync.")
		return
	}
	fmt.Printf("Synced: %d added, %d updated, %d removed, %d rejected\n",
		len(result.Added), len(result.Updated), len(result.Removed), len(result.Errors))
}

func runLoopsCreate(cmd *cobra.Command, args []string) {
	name := args[0]
	if err := config.ValidateLoopName(name); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	loopType, _ := cmd.Flags().GetString("type")
	if loopType != string(types.LoopTypeGenerator) && loopType != string(types.LoopTypeConsumer) {
		fmt.Fprintf(os.Stderr, "Error: unknown loop type %q (want generator or consumer)\n", loopType)
		os.Exit(2)
	}
	source, _ := cmd.Flags().GetString("source")
	if loopType == string(types.LoopTypeConsumer) && source == "" {
		fmt.Fprintln(os.Stderr, "Error: consumer loops require --source <loop>")
		os.Exit(2)
	}

	project, err := resolveProject()
	if err != nil {
		fail(err)
	}
	if err := config.EnsureProjectLayout(project.Path); err != nil {
		fail(err)
	}
	if config.LoopExists(project.Path, name) {
		fail(fmt.Errorf("loop %q already exists at %s", name, config.LoopConfigPath(project.Path, name)))
	}
	if source != "" && !config.LoopExists(project.Path, source) {
		fmt.Fprintf(os.Stderr, "Warning: source loop %q does not exist yet\n", source)
	}

	promptRel := filepath.Join(".ralphx", "prompts", name+".md")
	promptAbs := filepath.Join(project.Path, promptRel)
	if err := os.MkdirAll(filepath.Dir(promptAbs), 0o750); err != nil {
		fail(fmt.Errorf("failed to create prompts directory: %w", err))
	}

	var scaffold, template string
	if loopType == string(types.LoopTypeGenerator) {
		scaffold = generatorScaffold(name, promptRel)
		template = generatorTemplate()
	} else {
		scaffold = consumerScaffold(name, source, promptRel)
		template = consumerTemplate()
	}

	if _, err := os.Stat(promptAbs); os.IsNotExist(err) {
		if err := os.WriteFile(promptAbs, []byte(template), 0o640); err != nil {
			fail(fmt.Errorf("failed to write prompt template: %w", err))
		}
	}
	configPath := config.LoopConfigPath(project.Path, name)
	if err := os.WriteFile(configPath, []byte(scaffold), 0o640); err != nil {
		fail(fmt.Errorf("failed to write loop config: %w", err))
	}

	// Prove the scaffold round-trips through the loader before handing
	// it to the operator.
	if _, err := config.LoadLoop(project.Path, name); err != nil {
		fail(fmt.Errorf("scaffold failed validation: %w", err))
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Printf("Created %s\n", promptAbs)
	fmt.Printf("Edit both, then start it with: ralphx run %s\n", name)
}

func runLoopsDelete(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	name := args[0]
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	force, _ := cmd.Flags().GetBool("force")
	run, err := st.GetActiveRun(ctx, name)
	switch {
	case err == nil && !force:
		fail(fmt.Errorf("loop %q has active run %s; stop it first or pass --force", name, shortID(run.ID)))
	case err != nil && !errors.Is(err, store.ErrNotFound):
		fail(err)
	}

	if err := config.DeleteLoop(project.Path, name); err != nil {
		fail(err)
	}
	released, err := st.ReleaseClaimsByLoop(ctx, name)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Deleted loop %q", name)
	if released > 0 {
		fmt.Printf(" and released %d claimed items", released)
	}
	fmt.Println()
}

// shortID abbreviates a run UUID for table output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func generatorScaffold(name, promptRel string) string {
	return heredoc.Docf(`
		# Loop %[1]q — generated by ralphx loops create.
		# A generator loop turns the project design document into work
		# items that consumer loops claim and implement.

		name: %[1]s
		type: generator
		description: ""

		# Each mode is one (model, timeout, template) tuple. mode_selection
		# below picks one per iteration.
		modes:
		  draft:
		    model: sonnet                # sonnet, opus, haiku, or a full model name
		    timeout: 600                 # seconds per subprocess invocation
		    prompt_template_path: %[2]s
		    # tools: []                  # omit for CLI defaults; [] denies all tools
		    # json_schema_path: .ralphx/schemas/%[1]s.json

		mode_selection:
		  strategy: fixed                # fixed, random, weighted_random, phase_aware
		  fixed_mode: draft
		  # weights:                     # weighted_random only; must sum to 100
		  #   draft: 80
		  #   review: 20

		limits:
		  max_iterations: 20             # 0 disables
		  max_runtime_seconds: 0         # 0 disables
		  max_consecutive_errors: 5
		  cooldown_between_iterations: 2 # seconds between iterations

		item_types:
		  output:
		    singular: story
		    plural: stories

		# checkpoint_every: 5            # iterations between durable checkpoints
	`, name, promptRel)
}

func consumerScaffold(name, source, promptRel string) string {
	return heredoc.Docf(`
		# Loop %[1]q — generated by ralphx loops create.
		# A consumer loop claims items produced by %[3]q, one at a time,
		# and feeds each into the prompt template below.

		name: %[1]s
		type: consumer
		description: ""

		modes:
		  implement:
		    model: sonnet                # sonnet, opus, haiku, or a full model name
		    timeout: 900                 # seconds per subprocess invocation
		    prompt_template_path: %[2]s
		    # tools: []                  # omit for CLI defaults; [] denies all tools

		mode_selection:
		  strategy: fixed                # fixed, random, weighted_random, phase_aware
		  fixed_mode: implement

		limits:
		  max_iterations: 0              # 0 disables; consumers usually run until drained
		  max_runtime_seconds: 0
		  max_consecutive_errors: 5
		  cooldown_between_iterations: 2

		item_types:
		  input:
		    source: %[3]s                # the loop whose output this loop consumes
		    singular: story
		    plural: stories
		  output:
		    singular: task
		    plural: tasks

		respect_dependencies: true       # claim items only when their dependencies are done
		# category_filter: INFRA         # only claim items with this category
		# batch_size: 1                  # >1 claims a batch per iteration

		# multi_phase:
		#   enabled: true
		#   auto_phase: true             # derive phases from the dependency graph
		#   max_batch_size: 10
	`, name, promptRel, source)
}

func generatorTemplate() string {
	return heredoc.Doc(`
		You are generating work items for this project.

		{{design_doc}}

		## Current backlog

		{{existing_stories}}

		Category counts: {{category_stats}} ({{total_stories}} total)

		## Task

		{{task}}

		Produce the next batch of work items as a JSON array. Each item
		needs "id" and "content"; "title", "category", "priority", and
		"dependencies" are optional.
	`)
}

func consumerTemplate() string {
	return heredoc.Doc(`
		You are implementing one work item from {{source_loop}}.

		{{design_doc}}

		## Work item

		Title: {{input_item.title}}

		{{input_item.content}}

		Metadata: {{input_item.metadata}}

		## Task

		{{task}}

		Implement the work item above. When you are done, summarize what
		changed.
	`)
}
