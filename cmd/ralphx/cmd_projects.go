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
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ralphx-dev/ralphx/pkg/config"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Inspect the global project catalog",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged projects",
	Long: `List the projects registered in the global catalog.

The catalog lives in the ralphx data directory and maps short project
IDs to workspace paths. Any command accepts --project <id> as well as
--project <path>.`,
	Args: noArgs,
	Run:  runProjectsList,
}

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsListCmd)
}

func runProjectsList(cmd *cobra.Command, args []string) {
	projects, err := config.LoadProjectCatalog()
	if err != nil {
		fail(err)
	}
	if len(projects) == 0 {
		fmt.Printf("No projects in catalog (%s)\n", config.ProjectCatalogPath())
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tDESIGN DOC")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, p := range projects {
		path := p.Path
		if _, err := os.Stat(path); err != nil {
			path += " (missing)"
		}
		designDoc := p.DesignDocPath
		if designDoc == "" {
			designDoc = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, path, designDoc)
	}
	_ = w.Flush()
}
