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

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and web UI (separate distribution)",
	Args:  noArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stderr, "The HTTP API and web UI ship in the ralphx-server distribution,")
		fmt.Fprintln(os.Stderr, "which builds on this core. Install it and run: ralphx-server serve")
		os.Exit(1)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the project over MCP (separate distribution)",
	Args:  noArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stderr, "The MCP server ships in the ralphx-mcp distribution,")
		fmt.Fprintln(os.Stderr, "which builds on this core. Install it and run: ralphx-mcp")
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}
