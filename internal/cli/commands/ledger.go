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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mediasweep/internal/cache"
	"mediasweep/internal/common"
	"mediasweep/internal/config"
	"mediasweep/internal/ledger"
	"mediasweep/internal/storage"
)

var refreshShowDiff bool

var refreshLedgerCmd = &cobra.Command{
	Use:   "refresh-ledger [archive_root]",
	Short: "Rebuild the provenance ledger from the archive",
	Long: `Rebuild the provenance ledger so it describes exactly the files currently
in the archive root. Unchanged files keep their entries, new or changed files
get fresh ones, vanished files are dropped. Running it twice in a row leaves
the ledger byte-identical.

The archive root defaults to archive_root from settings.yaml. An unreadable
archive root is an error and leaves the previous ledger untouched.

Examples:
  mediasweep refresh-ledger
  mediasweep refresh-ledger ~/Pictures/archive --diff`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := archiveRootArg(args)
		if err != nil {
			return err
		}
		sess, err := newSession(settings, true)
		if err != nil {
			return err
		}
		err = refreshLedger(cmd.Context(), sess, archive, refreshShowDiff, cmd.OutOrStdout())
		if cerr := sess.close(); err == nil {
			err = cerr
		}
		return err
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query the provenance ledger",
}

var ledgerLookupCmd = &cobra.Command{
	Use:   "lookup <file|digest>",
	Short: "Show the archived copies of a file or digest",
	Long: `Show every ledger entry holding the given content. The argument is either
a hex digest or a local file, which is hashed first.

Exits non-zero when the content is not archived.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ledgerLookup(cmd.Context(), settings, args[0], cmd.OutOrStdout())
	},
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the provenance ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ledgerStats(settings, cmd.OutOrStdout())
	},
}

func init() {
	refreshLedgerCmd.Flags().BoolVar(&refreshShowDiff, "diff", false, "Print a unified diff of the ledger change")
	ledgerCmd.AddCommand(ledgerLookupCmd)
	ledgerCmd.AddCommand(ledgerStatsCmd)
	rootCmd.AddCommand(refreshLedgerCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func archiveRootArg(args []string) (string, error) {
	if len(args) > 0 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return "", fmt.Errorf("%w: %s", common.ErrInvalidPath, args[0])
		}
		return abs, nil
	}
	return settings.RequireArchiveRoot()
}

func refreshLedger(ctx context.Context, sess *session, archive string, showDiff bool, w io.Writer) error {
	scanner, err := sess.scanner(archive)
	if err != nil {
		return err
	}
	tr, err := sess.tracker()
	if err != nil {
		return err
	}
	var names ledger.OriginalNamer
	if tr != nil {
		names = tr
	}

	logger, err := sess.runLogger()
	if err != nil {
		return err
	}
	run, err := logger.Begin(ctx, "refresh-ledger")
	if err != nil {
		return err
	}

	res, err := ledger.NewRebuilder(scanner, config.LedgerPath(), names).Rebuild(ctx, archive)
	if err != nil {
		run.Note("archive %s", archive)
		if ferr := run.Finish(ctx, err); ferr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", ferr)
		}
		return err
	}

	run.Note("archive %s: %d entries (%d carried, %d added, %d dropped)",
		archive, res.Snapshot.Len(), res.Carried, res.Added, res.Dropped)
	run.Counts = storage.RunCounts{
		Total:     res.Snapshot.Len() + len(res.Failures),
		Succeeded: res.Snapshot.Len(),
	}
	for _, f := range res.Failures {
		run.Record("unreadable", f.Path, f.Err)
	}

	fmt.Fprintf(w, "Ledger %s\n", config.LedgerPath())
	fmt.Fprintf(w, "  %d entries: %d carried, %d added, %d dropped\n",
		res.Snapshot.Len(), res.Carried, res.Added, res.Dropped)
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  unreadable: %s: %v\n", f.Path, f.Err)
	}
	if showDiff {
		if !res.Changed() {
			fmt.Fprintln(w, "  ledger unchanged")
		} else {
			diff, err := ledger.UnifiedDiff(res.Previous, res.Current, config.LedgerPath())
			if err != nil {
				return fmt.Errorf("failed to diff ledger: %w", err)
			}
			fmt.Fprint(w, diff)
		}
	}
	return run.Finish(ctx, nil)
}

func ledgerLookup(ctx context.Context, s *config.Settings, arg string, w io.Writer) error {
	algo, err := s.Algorithm()
	if err != nil {
		return err
	}
	digest := strings.ToLower(arg)
	if !algo.IsDigest(digest) {
		if digest, err = hashFile(arg, algo); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap, err := ledger.Load(config.LedgerPath(), algo)
	if err != nil {
		return err
	}
	entries := snap.Lookup(digest)
	if len(entries) == 0 {
		return fmt.Errorf("%s (%s) is not archived: %w", arg, digest, common.ErrNotFound)
	}
	fmt.Fprintf(w, "%s %s\n", algo.ColumnName(), digest)
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\n", e.Path)
		if e.OriginalName != "" {
			fmt.Fprintf(w, "    original name: %s\n", e.OriginalName)
		}
		if !e.Created.IsZero() {
			fmt.Fprintf(w, "    created:       %s\n", e.Created.Format(time.RFC3339))
		}
		if !e.Archived.IsZero() {
			fmt.Fprintf(w, "    archived:      %s (%s)\n", e.Archived.Format(time.RFC3339), humanize.Time(e.Archived))
		}
		if e.Size >= 0 {
			fmt.Fprintf(w, "    size:          %s\n", humanize.Bytes(uint64(e.Size)))
		}
	}
	return nil
}

// hashFile digests a single local file without touching any digest cache.
func hashFile(p string, algo cache.Algorithm) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrInvalidPath, p)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", common.ErrIOUnreadable, p, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", common.ErrInvalidPath, p)
	}
	return cache.NewDigestStore("", algo).GetOrCompute(cache.KeyFromInfo(abs, info))
}

func ledgerStats(s *config.Settings, w io.Writer) error {
	algo, err := s.Algorithm()
	if err != nil {
		return err
	}
	snap, err := ledger.Load(config.LedgerPath(), algo)
	if err != nil {
		return err
	}
	st := snap.Stats()
	fmt.Fprintf(w, "Ledger %s (%s)\n", config.LedgerPath(), algo)
	fmt.Fprintf(w, "  entries:         %s\n", humanize.Comma(int64(st.Entries)))
	fmt.Fprintf(w, "  unique contents: %s\n", humanize.Comma(int64(st.UniqueDigests)))
	fmt.Fprintf(w, "  duplicates:      %s\n", humanize.Comma(int64(st.DuplicateFiles)))
	fmt.Fprintf(w, "  original names:  %s\n", humanize.Comma(int64(st.WithOriginal)))
	fmt.Fprintf(w, "  total size:      %s\n", humanize.Bytes(uint64(st.TotalBytes)))
	return nil
}
