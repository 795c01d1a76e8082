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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ralphx-dev/ralphx/internal/log"
	"github.com/ralphx-dev/ralphx/internal/version"
	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/store"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ralphx",
	Short: "Orchestrator for long-running LLM-driven work loops",
	Long: `ralphx runs declarative loops that repeatedly invoke the Claude CLI
against a project workspace. Generator loops turn a design document into
work items; consumer loops claim those items one at a time and implement
them. All state lives in a per-project SQLite database under .ralphx/.`,
	Version:       version.Get(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// usageError marks a failure the operator caused on the command line, so
// Execute exits 2 instead of 1.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// Execute runs the root command. Exit codes: 0 success, 1 failure,
// 2 usage error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var usage *usageError
		if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})

	// Global flags
	rootCmd.PersistentFlags().StringP("project", "p", "", "project path or catalog ID (default: current directory)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("logging.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	viper.SetEnvPrefix("RALPHX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// initLogging configures the process-wide logger from flags and env.
func initLogging() {
	jsonFormat := viper.GetString("logging.format") == "json"
	if err := log.Configure(viper.GetBool("logging.verbose"), jsonFormat); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
}

// exactArgs is cobra.ExactArgs with failures classified as usage errors.
func exactArgs(n int) cobra.PositionalArgs {
	inner := cobra.ExactArgs(n)
	return func(cmd *cobra.Command, args []string) error {
		if err := inner(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

// noArgs is cobra.NoArgs with failures classified as usage errors.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return &usageError{err}
	}
	return nil
}

// maxArgs is cobra.MaximumNArgs with failures classified as usage errors.
func maxArgs(n int) cobra.PositionalArgs {
	inner := cobra.MaximumNArgs(n)
	return func(cmd *cobra.Command, args []string) error {
		if err := inner(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

// resolveProject turns --project (catalog ID or path, default the current
// directory) into a concrete project.
func resolveProject() (*config.Project, error) {
	ref := viper.GetString("project")
	if ref == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		ref = cwd
	}

	if p, err := config.FindProject(ref); err == nil {
		return p, nil
	}

	abs, err := filepath.Abs(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path %s: %w", ref, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project %q is neither a catalog ID nor an existing directory", ref)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path %s is not a directory", abs)
	}
	return &config.Project{Path: abs}, nil
}

// openProjectStore resolves the project, makes sure its .ralphx layout
// exists, and opens the state database. The caller owns the store.
func openProjectStore(ctx context.Context) (*store.Store, *config.Project, error) {
	project, err := resolveProject()
	if err != nil {
		return nil, nil, err
	}
	if err := config.EnsureProjectLayout(project.Path); err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, config.StateDBPath(project.Path), log.Logger())
	if err != nil {
		return nil, nil, err
	}
	return st, project, nil
}

// fail prints the error and exits with the user-visible failure code.
func fail(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
