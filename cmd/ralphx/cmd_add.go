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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/store"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

var addCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Add work items to the project queue",
	Long: heredoc.Doc(`
		Add work items to the project queue.

		A single item is built from the positional content argument and
		flags. Items added this way are direct input: they carry no
		source loop and enter the queue as pending. Pass --source to
		publish the item into a loop's output queue instead, where
		consumers of that loop can claim it immediately.

		Bulk import reads one JSON object per line from --file. Mode
		"merge" (the default) skips IDs that already exist; mode "all"
		replaces the pending direct-input backlog and fails on any ID
		collision with recorded history.

		Examples:
		  ralphx add "Investigate flaky login test" --id TASK-001
		  ralphx add --title "Upgrade CI image" --id INFRA-014 --priority 1
		  ralphx add "Ship dark mode" --source planner
		  ralphx add --file backlog.jsonl --mode merge
	`),
	Args: maxArgs(1),
	Run:  runAdd,
}

func init() {
	rootCmd.AddCommand(addCmd)

	addCmd.Flags().String("id", "", "work item ID (default: generated)")
	addCmd.Flags().String("title", "", "short title")
	addCmd.Flags().Int("priority", 0, "priority (lower runs first)")
	addCmd.Flags().String("category", "", "category prefix, e.g. INFRA")
	addCmd.Flags().StringSlice("tags", nil, "comma-separated tags")
	addCmd.Flags().StringSlice("depends-on", nil, "IDs this item depends on")
	addCmd.Flags().String("source", "", "publish into this loop's output queue (claimable immediately)")
	addCmd.Flags().String("type", "", "item type (default: the source loop's output singular)")
	addCmd.Flags().String("file", "", "JSONL file to import, one work item per line")
	addCmd.Flags().String("mode", "merge", "import mode (all, merge)")
}

func runAdd(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, project, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	if file, _ := cmd.Flags().GetString("file"); file != "" {
		runAddImport(ctx, cmd, st, file)
		return
	}

	title, _ := cmd.Flags().GetString("title")
	content := title
	if len(args) == 1 {
		content = args[0]
	}
	if strings.TrimSpace(content) == "" {
		fmt.Fprintln(os.Stderr, "Error: content is required (positional argument or --title)")
		os.Exit(2)
	}

	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		id = "ITEM-" + strings.ToUpper(uuid.NewString()[:8])
	}
	priority, _ := cmd.Flags().GetInt("priority")
	category, _ := cmd.Flags().GetString("category")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	deps, _ := cmd.Flags().GetStringSlice("depends-on")
	itemType, _ := cmd.Flags().GetString("type")

	item := &types.WorkItem{
		ID:           id,
		Title:        title,
		Content:      content,
		Priority:     priority,
		Status:       types.ItemStatusPending,
		Category:     category,
		Tags:         tags,
		Dependencies: deps,
		ItemType:     itemType,
	}

	if source, _ := cmd.Flags().GetString("source"); source != "" {
		loopCfg, err := config.LoadLoop(project.Path, source)
		if err != nil {
			fail(fmt.Errorf("source loop %q: %w", source, err))
		}
		item.SourceLoop = &source
		item.Status = types.ItemStatusCompleted
		if item.ItemType == "" {
			item.ItemType = loopCfg.OutputSingular()
		}
	}

	if err := st.CreateWorkItem(ctx, item); err != nil {
		fail(err)
	}
	fmt.Printf("Added %s (%s)\n", item.ID, item.Status)
}

func runAddImport(ctx context.Context, cmd *cobra.Command, st *store.Store, file string) {
	modeStr, _ := cmd.Flags().GetString("mode")
	mode := store.ImportMode(modeStr)
	if mode != store.ImportModeAll && mode != store.ImportModeMerge {
		fmt.Fprintf(os.Stderr, "Error: unknown import mode %q (want all or merge)\n", modeStr)
		os.Exit(2)
	}

	f, err := os.Open(file)
	if err != nil {
		fail(fmt.Errorf("failed to open import file: %w", err))
	}
	defer f.Close()

	var items []*types.WorkItem
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var item types.WorkItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			fail(fmt.Errorf("%s line %d: %w", file, lineNo, err))
		}
		items = append(items, &item)
	}
	if err := scanner.Err(); err != nil {
		fail(fmt.Errorf("failed to read import file: %w", err))
	}
	if len(items) == 0 {
		fmt.Printf("No items found in %s\n", file)
		return
	}

	// Mode all replaces the direct-input backlog: pending rows without a
	// source loop are dropped before the import.
	if mode == store.ImportModeAll {
		pending, err := st.ListWorkItems(ctx, store.ItemFilter{Status: types.ItemStatusPending})
		if err != nil {
			fail(err)
		}
		cleared := 0
		for _, p := range pending {
			if p.SourceLoop != nil {
				continue
			}
			if err := st.DeleteWorkItem(ctx, p.ID); err != nil {
				fail(err)
			}
			cleared++
		}
		if cleared > 0 {
			fmt.Printf("Cleared %d pending direct-input items\n", cleared)
		}
	}

	result, err := st.ImportWorkItems(ctx, items, mode)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Imported %d items (%d skipped) from %s\n", result.Imported, result.Skipped, file)
}
