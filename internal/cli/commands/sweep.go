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
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mediasweep/internal/common"
	"mediasweep/internal/config"
	"mediasweep/internal/remote"
	"mediasweep/internal/resolve"
	"mediasweep/internal/runlog"
)

var (
	sweepDryRun  bool
	sweepRemote  bool
	sweepYes     bool
	sweepVerbose bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep [source_root...]",
	Short: "Delete source files whose content is already archived",
	Long: `Delete files from the source roots whose exact content is held by at
least one ledger entry outside the source. Files that cannot be hashed are
kept. The source roots default to staging_root.

A preview of the files to delete is shown first and deletion needs
confirmation. With --remote the device counterparts of deletable staged files
(staging_root/rel -> remote.root/rel) are deleted as well.

Per-file failures are reported but do not fail the command. A missing or
empty ledger does.

Examples:
  mediasweep sweep --dry-run
  mediasweep sweep --remote --yes
  mediasweep sweep ~/Downloads/phone-export`,
	RunE: func(cmd *cobra.Command, args []string) error {
		roots, err := sweepRootArgs(args)
		if err != nil {
			return err
		}
		// dry runs still rewrite the digest caches, so they lock too
		sess, err := newSession(settings, true)
		if err != nil {
			return err
		}
		sw := &sweeper{
			sess:     sess,
			out:      cmd.OutOrStdout(),
			prompter: remote.NewPrompter(sweepYes),
			local:    resolve.NewLocalDeleter(nil),
		}
		err = sw.run(cmd.Context(), roots, sweepOptions{dryRun: sweepDryRun, remote: sweepRemote, verbose: sweepVerbose})
		if cerr := sess.close(); err == nil {
			err = cerr
		}
		return err
	},
}

func init() {
	sweepCmd.Flags().BoolVarP(&sweepDryRun, "dry-run", "n", false, "Only show what would be deleted")
	sweepCmd.Flags().BoolVar(&sweepRemote, "remote", false, "Also delete the device counterparts of deleted staged files")
	sweepCmd.Flags().BoolVarP(&sweepYes, "yes", "y", false, "Delete without confirmation")
	sweepCmd.Flags().BoolVarP(&sweepVerbose, "verbose", "v", false, "Also list kept files in the preview")
	rootCmd.AddCommand(sweepCmd)
}

func sweepRootArgs(args []string) ([]string, error) {
	if len(args) == 0 {
		staging, err := settings.RequireStagingRoot()
		if err != nil {
			return nil, err
		}
		return []string{staging}, nil
	}
	roots := make([]string, 0, len(args))
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", common.ErrInvalidPath, a)
		}
		roots = append(roots, abs)
	}
	return roots, nil
}

type sweepOptions struct {
	dryRun  bool
	remote  bool
	verbose bool
}

// sweeper resolves and deletes one or more source roots.
type sweeper struct {
	sess     *session
	out      io.Writer
	prompter *remote.Prompter
	local    resolve.Deleter
	// device deleter; built on first use unless set
	device resolve.Deleter
	probe  func(ctx context.Context) error
}

func (sw *sweeper) run(ctx context.Context, roots []string, opts sweepOptions) error {
	var run *runlog.Run
	if !opts.dryRun {
		logger, err := sw.sess.runLogger()
		if err != nil {
			return err
		}
		if run, err = logger.Begin(ctx, "sweep"); err != nil {
			return err
		}
	}

	err := sw.sweepAll(ctx, run, roots, opts)
	if run != nil {
		fmt.Fprintf(sw.out, "total %d, deleted %d, kept %d, failed %d\n",
			run.Counts.Total, run.Counts.Succeeded, run.Counts.Kept, run.Counts.Failed)
		if ferr := run.Finish(ctx, err); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

func (sw *sweeper) sweepAll(ctx context.Context, run *runlog.Run, roots []string, opts sweepOptions) error {
	var errs []error
	for _, root := range roots {
		err := sw.sweepRoot(ctx, run, root, opts)
		if err == nil {
			continue
		}
		// without a ledger nothing can be proven safe for any root
		if errors.Is(err, common.ErrPreconditionMissing) {
			return err
		}
		fmt.Fprintf(sw.out, "%s: %v\n", root, err)
		errs = append(errs, fmt.Errorf("%s: %w", root, err))
	}
	return errors.Join(errs...)
}

func (sw *sweeper) sweepRoot(ctx context.Context, run *runlog.Run, root string, opts sweepOptions) error {
	scanner, err := sw.sess.scanner(root)
	if err != nil {
		return err
	}
	res, err := resolve.New(scanner, config.LedgerPath()).Resolve(ctx, root)
	if err != nil {
		return err
	}
	if err := resolve.Preview(sw.out, res, opts.verbose); err != nil {
		return err
	}
	if run != nil {
		run.Note("%s: total %d, to delete %d, to keep %d", res.Root, res.Total(), len(res.ToDelete), len(res.ToKeep))
		run.Counts.Total += res.Total()
		run.Counts.Kept += len(res.ToKeep)
	}
	if opts.dryRun || len(res.ToDelete) == 0 {
		return nil
	}

	var remoteTargets []resolve.Target
	if opts.remote {
		if remoteTargets, err = sw.remoteTargets(res); err != nil {
			return err
		}
	}

	question := fmt.Sprintf("Delete %d files (%s) from %s", len(res.ToDelete), humanize.Bytes(uint64(res.DeleteBytes())), res.Root)
	if len(remoteTargets) > 0 {
		question += fmt.Sprintf(" and %d from the device", len(remoteTargets))
	}
	ok, err := sw.prompter.Confirm(question + "?")
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(sw.out, "Skipped.")
		run.Note("%s: declined", res.Root)
		return nil
	}

	localTargets := resolve.LocalTargets(res)
	if len(remoteTargets) > 0 {
		failed, err := sw.deleteRemote(ctx, run, remoteTargets)
		if err != nil {
			// staged copies stay so the device deletion can be retried
			return err
		}
		localTargets = sw.withoutFailedRemote(run, localTargets, failed)
	}
	outcome, err := resolve.NewExecutor(sw.local).Execute(ctx, localTargets)
	if err != nil {
		return err
	}
	sw.report(run, outcome)
	return nil
}

// withoutFailedRemote keeps staged files whose device copy could not be
// deleted, so a later sweep can retry them.
func (sw *sweeper) withoutFailedRemote(run *runlog.Run, targets []resolve.Target, failed map[string]struct{}) []resolve.Target {
	if len(failed) == 0 {
		return targets
	}
	staging, _ := sw.sess.settings.RequireStagingRoot()
	kept := targets[:0]
	for _, t := range targets {
		if p, ok := resolve.RemotePath(t.Path, staging, sw.sess.settings.Remote.Root); ok {
			if _, bad := failed[p]; bad {
				run.Counts.Kept++
				continue
			}
		}
		kept = append(kept, t)
	}
	return kept
}

// remoteTargets maps the delete set to device paths. Only roots inside the
// staging root have device counterparts.
func (sw *sweeper) remoteTargets(res *resolve.Resolution) ([]resolve.Target, error) {
	staging, err := sw.sess.settings.RequireStagingRoot()
	if err != nil {
		return nil, err
	}
	if filepath.Clean(res.Root) != filepath.Clean(staging) {
		if _, err := common.RelPath(staging, res.Root); err != nil {
			fmt.Fprintf(sw.out, "%s is outside the staging root, no device files to delete\n", res.Root)
			return nil, nil
		}
	}
	return resolve.RemoteTargets(res, staging, sw.sess.settings.Remote.Root), nil
}

// deleteRemote deletes device files and returns the paths that failed.
func (sw *sweeper) deleteRemote(ctx context.Context, run *runlog.Run, targets []resolve.Target) (map[string]struct{}, error) {
	if sw.device == nil {
		cfg := sw.sess.settings.RemoteConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		sw.device = remote.NewDeleter(cfg, nil)
		if sw.probe == nil {
			sw.probe = remote.NewProber(cfg, 0).Probe
		}
	}
	if sw.probe != nil {
		if err := sw.probe(ctx); err != nil {
			return nil, err
		}
	}
	outcome, err := resolve.NewExecutor(sw.device).Execute(ctx, targets)
	if err != nil {
		return nil, err
	}
	sw.report(run, outcome)
	failed := make(map[string]struct{})
	for _, r := range outcome.Failed() {
		failed[r.Path] = struct{}{}
	}
	return failed, nil
}

func (sw *sweeper) report(run *runlog.Run, outcome *resolve.Outcome) {
	for _, r := range outcome.Results {
		run.Record("deleted "+outcome.Location, r.Path, r.Err)
		if r.Err != nil {
			fmt.Fprintf(sw.out, "  failed to delete %s: %v\n", r.Path, r.Err)
			log.WithFields(log.Fields{"path": r.Path, "location": outcome.Location}).Warnf("delete failed: %v", r.Err)
		}
	}
	fmt.Fprintf(sw.out, "%s: deleted %d of %d\n", outcome.Location, outcome.Deleted(), len(outcome.Results))
}
