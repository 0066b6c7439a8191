// Copyright 2024 Mediasweep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mediasweep/internal/storage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs and folder sync watermarks",
	Long: `Show the most recent runs recorded in the state database with their
success and failure counts, followed by the watermark of every synced folder.

Full per-file outcomes are in the yearly summary logs under logs/.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession(settings, false)
		if err != nil {
			return err
		}
		err = showHistory(cmd.Context(), sess, historyLimit, cmd.OutOrStdout())
		if cerr := sess.close(); err == nil {
			err = cerr
		}
		return err
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	rootCmd.AddCommand(historyCmd)
}

func showHistory(ctx context.Context, sess *session, limit int, w io.Writer) error {
	db, err := sess.stateDB()
	if err != nil {
		return err
	}
	runs, err := db.BunDB().RecentRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read runs: %w", err)
	}
	watermarks, err := db.BunDB().ListWatermarks(ctx)
	if err != nil {
		return fmt.Errorf("failed to read watermarks: %w", err)
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tCOMMAND\tSTATUS\tTOTAL\tOK\tKEPT\tFAILED\tDURATION")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Command, runStatus(r),
				r.Counts.Total, r.Counts.Succeeded, r.Counts.Kept, r.Counts.Failed, runDuration(r))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(watermarks) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FOLDER\tLAST SYNC\tFILES")
		for _, wm := range watermarks {
			fmt.Fprintf(tw, "%s\t%s (%s)\t%d\n", wm.Folder,
				wm.LastSync.Local().Format(time.RFC3339), humanize.Time(wm.LastSync), wm.Files)
		}
		return tw.Flush()
	}
	return nil
}

func runStatus(r storage.Run) string {
	if r.Status == storage.RunFailed && r.Error != "" {
		return r.Status + ": " + r.Error
	}
	return r.Status
}

func runDuration(r storage.Run) string {
	if r.FinishedAt.IsZero() {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
}
