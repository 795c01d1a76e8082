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
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/ralphx-dev/ralphx/internal/log"
	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/resources"
	"github.com/ralphx-dev/ralphx/pkg/store"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

// guardrailPrefix namespaces guardrails within the custom resource type.
const guardrailPrefix = "guardrail-"

var guardrailsCmd = &cobra.Command{
	Use:   "guardrails",
	Short: "Manage guardrail resources injected into every prompt",
	Long: heredoc.Doc(`
		Guardrails are custom resources, named with a "guardrail-"
		prefix, that carry standing constraints for the model ("never
		touch the migrations directory", "all commits in English").
		They default to the before_task position so they land next to
		the instructions.

		Each edit snapshots the previous content as a version; show
		--diff renders what changed.

		Examples:
		  ralphx guardrails add no-migrations --content "Never edit db/migrations."
		  ralphx guardrails list
		  ralphx guardrails show no-migrations
		  ralphx guardrails show no-migrations --diff <version-id>
		  ralphx guardrails disable no-migrations
	`),
}

var guardrailsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List guardrails",
	Args:  noArgs,
	Run:   runGuardrailsList,
}

var guardrailsAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Add a guardrail",
	Args:  exactArgs(1),
	Run:   runGuardrailsAdd,
}

var guardrailsShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a guardrail, optionally diffed against a version",
	Args:  exactArgs(1),
	Run:   runGuardrailsShow,
}

var guardrailsRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a guardrail",
	Args:  exactArgs(1),
	Run:   runGuardrailsRemove,
}

var guardrailsEnableCmd = &cobra.Command{
	Use:   "enable [name]",
	Short: "Enable a guardrail",
	Args:  exactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setGuardrailEnabled(cmd, args[0], true) },
}

var guardrailsDisableCmd = &cobra.Command{
	Use:   "disable [name]",
	Short: "Disable a guardrail without deleting it",
	Args:  exactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setGuardrailEnabled(cmd, args[0], false) },
}

var guardrailsVersionsCmd = &cobra.Command{
	Use:   "versions [name]",
	Short: "List a guardrail's version history",
	Args:  exactArgs(1),
	Run:   runGuardrailsVersions,
}

func init() {
	rootCmd.AddCommand(guardrailsCmd)
	guardrailsCmd.AddCommand(guardrailsListCmd)
	guardrailsCmd.AddCommand(guardrailsAddCmd)
	guardrailsCmd.AddCommand(guardrailsShowCmd)
	guardrailsCmd.AddCommand(guardrailsRemoveCmd)
	guardrailsCmd.AddCommand(guardrailsEnableCmd)
	guardrailsCmd.AddCommand(guardrailsDisableCmd)
	guardrailsCmd.AddCommand(guardrailsVersionsCmd)

	guardrailsAddCmd.Flags().String("content", "", "guardrail text")
	guardrailsAddCmd.Flags().String("from-file", "", "read the guardrail text from a file")
	guardrailsAddCmd.Flags().String("position", string(types.PositionBeforeTask),
		"injection position (before_prompt, after_design_doc, before_task, after_task)")
	guardrailsAddCmd.Flags().Int("priority", resources.DefaultPriority, "injection order within the position (lower first)")
	guardrailsShowCmd.Flags().String("diff", "", "render a unified diff against this version ID")
}

// guardrailName normalizes a user-supplied name to its prefixed form.
func guardrailName(name string) string {
	if strings.HasPrefix(name, guardrailPrefix) {
		return name
	}
	return guardrailPrefix + name
}

// findGuardrail loads the named guardrail row or exits.
func findGuardrail(ctx context.Context, st *store.Store, name string) *types.Resource {
	res, err := st.GetResourceByName(ctx, types.ResourceTypeCustom, guardrailName(name))
	if err != nil {
		fail(fmt.Errorf("guardrail %q: %w", guardrailName(name), err))
	}
	return res
}

func runGuardrailsList(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	// Pick up files dropped into resources/custom/ by hand.
	mgr := resources.NewManager(st, project.Path, log.Logger())
	if _, err := mgr.Sync(ctx); err != nil {
		fail(err)
	}

	all, err := st.ListResources(ctx, store.ResourceFilter{Type: types.ResourceTypeCustom})
	if err != nil {
		fail(err)
	}
	var rails []*types.Resource
	for _, r := range all {
		if strings.HasPrefix(r.Name, guardrailPrefix) {
			rails = append(rails, r)
		}
	}
	if len(rails) == 0 {
		fmt.Println("No guardrails configured.")
		fmt.Println("Add one with: ralphx guardrails add <name> --content \"...\"")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPOSITION\tPRIORITY\tENABLED\tUPDATED")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, r := range rails {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
			strings.TrimPrefix(r.Name, guardrailPrefix), r.InjectionPosition, r.Priority,
			r.Enabled, r.UpdatedAt.Local().Format(time.RFC3339))
	}
	_ = w.Flush()
}

func runGuardrailsAdd(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	name := guardrailName(args[0])
	if err := resources.ValidateResourceName(name); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	content, _ := cmd.Flags().GetString("content")
	if fromFile, _ := cmd.Flags().GetString("from-file"); fromFile != "" {
		data, err := os.ReadFile(fromFile)
		if err != nil {
			fail(fmt.Errorf("failed to read %s: %w", fromFile, err))
		}
		content = string(data)
	}
	if strings.TrimSpace(content) == "" {
		fmt.Fprintln(os.Stderr, "Error: guardrail text is required (--content or --from-file)")
		os.Exit(2)
	}

	position, _ := cmd.Flags().GetString("position")
	if !types.InjectionPosition(position).Valid() {
		fmt.Fprintf(os.Stderr, "Error: %q is not an injection position\n", position)
		os.Exit(2)
	}
	priority, _ := cmd.Flags().GetInt("priority")

	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	if _, err := st.GetResourceByName(ctx, types.ResourceTypeCustom, name); err == nil {
		fail(fmt.Errorf("guardrail %q already exists", name))
	}

	// Guardrails live as files first; Sync owns the row creation so the
	// watcher and the CLI agree on provenance.
	path := filepath.Join(config.ResourceTypeDir(project.Path, types.ResourceTypeCustom), name+".md")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		fail(fmt.Errorf("failed to write guardrail file: %w", err))
	}
	mgr := resources.NewManager(st, project.Path, log.Logger())
	if _, err := mgr.Sync(ctx); err != nil {
		fail(err)
	}

	res, err := st.GetResourceByName(ctx, types.ResourceTypeCustom, name)
	if err != nil {
		fail(fmt.Errorf("guardrail did not survive sync: %w", err))
	}
	patch := map[string]any{}
	if types.InjectionPosition(position) != res.InjectionPosition {
		patch["injection_position"] = position
	}
	if priority != res.Priority {
		patch["priority"] = priority
	}
	if len(patch) > 0 {
		if _, err := mgr.Edit(ctx, res.ID, patch, nil); err != nil {
			fail(err)
		}
	}
	fmt.Printf("Added guardrail %q (%s, priority %d)\n", name, position, priority)
}

func runGuardrailsShow(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	res := findGuardrail(ctx, st, args[0])

	if versionID, _ := cmd.Flags().GetString("diff"); versionID != "" {
		mgr := resources.NewManager(st, project.Path, log.Logger())
		diff, err := mgr.DiffVersion(ctx, res.ID, versionID)
		if err != nil {
			fail(err)
		}
		fmt.Print(diff)
		return
	}

	fmt.Printf("# %s (%s, priority %d, enabled=%t)\n\n", res.Name, res.InjectionPosition, res.Priority, res.Enabled)
	fmt.Println(res.Content)
}

func runGuardrailsRemove(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	res := findGuardrail(ctx, st, args[0])

	if res.FilePath != "" {
		path := filepath.Join(config.ResourcesDir(project.Path), res.FilePath)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fail(fmt.Errorf("failed to remove guardrail file: %w", err))
		}
		mgr := resources.NewManager(st, project.Path, log.Logger())
		if _, err := mgr.Sync(ctx); err != nil {
			fail(err)
		}
	} else if err := st.DeleteResource(ctx, res.ID); err != nil {
		fail(err)
	}
	fmt.Printf("Removed guardrail %q\n", res.Name)
}

func setGuardrailEnabled(cmd *cobra.Command, name string, enabled bool) {
	ctx := cmd.Context()
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	res := findGuardrail(ctx, st, name)
	mgr := resources.NewManager(st, project.Path, log.Logger())
	if _, err := mgr.Edit(ctx, res.ID, map[string]any{"enabled": enabled}, nil); err != nil {
		fail(err)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Guardrail %q %s\n", res.Name, state)
}

func runGuardrailsVersions(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, _, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	res := findGuardrail(ctx, st, args[0])
	versions, err := st.ListResourceVersions(ctx, res.ID)
	if err != nil {
		fail(err)
	}
	if len(versions) == 0 {
		fmt.Printf("Guardrail %q has no recorded versions yet.\n", res.Name)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tCREATED\tSIZE")
	for _, v := range versions {
		fmt.Fprintf(w, "%s\t%s\t%d\n", v.ID, v.CreatedAt.Local().Format(time.RFC3339), len(v.Content))
	}
	_ = w.Flush()
}
