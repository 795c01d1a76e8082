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
	"time"

	"github.com/spf13/cobra"

	"github.com/ralphx-dev/ralphx/internal/log"
	"github.com/ralphx-dev/ralphx/pkg/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Find runs abandoned by dead or stalled executors",
	Long: `Check the project's unfinished runs against the staleness rules:
dead executor PID, no activity past the threshold, missing liveness
metadata, and suspected PID reuse.

Without --fix the command only reports. With --fix each stale run is
marked aborted and its claimed items are released back to the queue.`,
	Args: noArgs,
	Run:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().Bool("fix", false, "mark stale runs aborted and release their claims")
	doctorCmd.Flags().Duration("max-inactivity", doctor.DefaultMaxInactivity, "inactivity threshold before a run counts as stale")
}

func runDoctor(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	st, _, err := openProjectStore(ctx)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	maxInactivity, _ := cmd.Flags().GetDuration("max-inactivity")
	d := doctor.New(st, log.Logger(), doctor.Options{MaxInactivity: maxInactivity})

	findings, err := d.Check(ctx)
	if err != nil {
		fail(err)
	}
	if len(findings) == 0 {
		fmt.Println("No stale runs found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tLOOP\tSTATUS\tSTARTED\tREASON\tDETAIL")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, f := range findings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(f.Run.ID), f.Run.LoopName, f.Run.Status,
			f.Run.StartedAt.Local().Format(time.RFC3339), f.Reason, f.Detail)
	}
	_ = w.Flush()

	fix, _ := cmd.Flags().GetBool("fix")
	if !fix {
		fmt.Printf("\n%d stale runs found. Run again with --fix to mark them aborted and release their claims.\n", len(findings))
		return
	}

	cleaned, err := d.Cleanup(ctx, findings)
	if err != nil {
		fail(err)
	}
	fmt.Printf("\nCleaned up %d stale runs.\n", cleaned)
}
