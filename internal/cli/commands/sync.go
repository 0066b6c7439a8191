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
	"path"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mediasweep/internal/common"
	"mediasweep/internal/remote"
	"mediasweep/internal/runlog"
	"mediasweep/internal/storage"
	"mediasweep/internal/tracker"
)

// listingOverlap re-lists files up to this long before a watermark; the
// copy log drops the ones already staged.
const listingOverlap = time.Second

var (
	syncMode      string
	syncSince     string
	syncSinceLast bool
	syncFolders   []string
	syncYes       bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy or move new media from the device into the staging root",
	Long: `Copy or move media from the device's remote root into the staging root,
preserving relative paths and modification times.

Folders are the immediate subfolders of remote.root. Without --folder each one
is offered for selection. Files already staged with the same modification
time are skipped. Every transfer is appended to the copy log and the transfer
log; each fully synced folder gets a watermark used by --since-last.

A device that cannot be reached fails the command before anything is copied.

Examples:
  mediasweep sync --since-last --yes
  mediasweep sync --mode move --folder Camera --folder Screenshots
  mediasweep sync --since 2024-06-01`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseSyncFlags()
		if err != nil {
			return err
		}
		sess, err := newSession(settings, true)
		if err != nil {
			return err
		}
		s, err := newSyncer(sess, cmd.OutOrStdout())
		if err == nil {
			err = s.run(cmd.Context(), opts)
		}
		if cerr := sess.close(); err == nil {
			err = cerr
		}
		return err
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncMode, "mode", "copy", "Transfer mode: copy, move")
	syncCmd.Flags().StringVar(&syncSince, "since", "", "Only files modified after this date (YYYY-MM-DD or RFC 3339)")
	syncCmd.Flags().BoolVar(&syncSinceLast, "since-last", false, "Only files modified after each folder's last sync")
	syncCmd.Flags().StringArrayVar(&syncFolders, "folder", nil, "Remote folder to sync, relative to remote.root (repeatable)")
	syncCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "Select all folders without prompting")
	syncCmd.MarkFlagsMutuallyExclusive("since", "since-last")
	rootCmd.AddCommand(syncCmd)
}

type syncOptions struct {
	mode      remote.Mode
	since     time.Time
	sinceLast bool
	folders   []string
	assumeYes bool
}

func parseSyncFlags() (syncOptions, error) {
	mode, err := remote.ParseMode(syncMode)
	if err != nil {
		return syncOptions{}, err
	}
	opts := syncOptions{mode: mode, sinceLast: syncSinceLast, folders: syncFolders, assumeYes: syncYes}
	if syncSince != "" {
		if opts.since, err = parseSince(syncSince); err != nil {
			return syncOptions{}, err
		}
	}
	return opts, nil
}

func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return t, nil
}

// syncer pulls folders of the device into the staging root.
type syncer struct {
	sess        *session
	cfg         remote.Config
	staging     string
	probe       func(ctx context.Context) error
	lister      *remote.Lister
	transferrer *remote.Transferrer
	prompter    *remote.Prompter
	tracker     *tracker.Tracker
	out         io.Writer
}

func newSyncer(sess *session, out io.Writer) (*syncer, error) {
	cfg := sess.settings.RemoteConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	staging, err := sess.settings.RequireStagingRoot()
	if err != nil {
		return nil, err
	}
	tr, err := sess.tracker()
	if err != nil {
		return nil, err
	}
	return &syncer{
		sess:        sess,
		cfg:         cfg,
		staging:     staging,
		probe:       remote.NewProber(cfg, 0).Probe,
		lister:      remote.NewLister(cfg, nil),
		transferrer: remote.NewTransferrer(cfg, nil),
		tracker:     tr,
		out:         out,
	}, nil
}

func (s *syncer) run(ctx context.Context, opts syncOptions) error {
	if s.prompter == nil {
		s.prompter = remote.NewPrompter(opts.assumeYes)
	}
	logger, err := s.sess.runLogger()
	if err != nil {
		return err
	}
	run, err := logger.Begin(ctx, "sync")
	if err != nil {
		return err
	}
	run.Note("device %s, mode %s", s.cfg.Address(), opts.mode)

	err = s.syncAll(ctx, run, opts)
	fmt.Fprintf(s.out, "total %d, transferred %d, skipped %d, failed %d\n",
		run.Counts.Total, run.Counts.Succeeded, run.Counts.Kept, run.Counts.Failed)
	if ferr := run.Finish(ctx, err); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func (s *syncer) syncAll(ctx context.Context, run *runlog.Run, opts syncOptions) error {
	if err := s.probe(ctx); err != nil {
		return err
	}
	folders, err := s.selectFolders(ctx, opts)
	if err != nil {
		return err
	}
	db, err := s.sess.stateDB()
	if err != nil {
		return err
	}

	var errs []error
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.syncFolder(ctx, run, db.BunDB(), folder, opts); err != nil {
			fmt.Fprintf(s.out, "%s: %v\n", folder, err)
			errs = append(errs, fmt.Errorf("%s: %w", folder, err))
			if errors.Is(err, common.ErrTransportUnavailable) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// selectFolders resolves --folder values below the remote root, or offers
// each subfolder of the remote root for selection.
func (s *syncer) selectFolders(ctx context.Context, opts syncOptions) ([]string, error) {
	if len(opts.folders) > 0 {
		folders := make([]string, 0, len(opts.folders))
		for _, f := range opts.folders {
			if !path.IsAbs(f) {
				f = path.Join(s.cfg.Root, f)
			}
			folders = append(folders, path.Clean(f))
		}
		return folders, nil
	}

	candidates, err := s.lister.Folders(ctx, s.cfg.Root)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []string{path.Clean(s.cfg.Root)}, nil
	}
	var folders []string
	for _, name := range candidates {
		ok, err := s.prompter.Confirm("Sync " + name + "?")
		if err != nil {
			return nil, err
		}
		if ok {
			folders = append(folders, path.Join(s.cfg.Root, name))
		}
	}
	return folders, nil
}

func (s *syncer) syncFolder(ctx context.Context, run *runlog.Run, db *storage.BunDB, folder string, opts syncOptions) error {
	rel, err := remoteRel(s.cfg.Root, folder)
	if err != nil {
		return err
	}

	since := opts.since
	if opts.sinceLast {
		wm, err := db.GetWatermark(ctx, folder)
		switch {
		case err == nil:
			since = wm.LastSync.Add(-listingOverlap)
		case errors.Is(err, common.ErrNotFound):
			// never synced, list everything
		default:
			return err
		}
	}

	files, err := s.lister.List(ctx, folder, since)
	if err != nil {
		return err
	}
	var pending []remote.RemoteFile
	var newest time.Time
	for _, f := range files {
		if f.ModTime.After(newest) {
			newest = f.ModTime
		}
		if s.tracker.Staged(path.Join(rel, f.Rel), f.ModTime) {
			continue
		}
		pending = append(pending, f)
	}
	run.Counts.Total += len(files)
	run.Counts.Kept += len(files) - len(pending)

	localRoot := filepath.Join(s.staging, filepath.FromSlash(rel))
	done, transferErr := s.transferrer.Transfer(ctx, folder, localRoot, opts.mode, pending)

	action := transferAction(opts.mode)
	got := make(map[string]struct{}, len(done))
	for _, t := range done {
		got[t.Rel] = struct{}{}
		recErr := s.tracker.Record(t.Local, t.ModTime)
		if err := run.Transfer(action, t.Path, t.Local, recErr); err != nil {
			log.Warnf("failed to write transfer log: %v", err)
		}
	}
	for _, f := range pending {
		if _, ok := got[f.Rel]; ok {
			continue
		}
		if transferErr == nil {
			// rsync found an identical file already in place
			run.Counts.Kept++
			continue
		}
		dest := filepath.Join(localRoot, filepath.FromSlash(f.Rel))
		if err := run.Transfer(action, f.Path, dest, transferErr); err != nil {
			log.Warnf("failed to write transfer log: %v", err)
		}
	}
	fmt.Fprintf(s.out, "%s: %d listed, %d transferred\n", folder, len(files), len(done))
	if transferErr != nil {
		return transferErr
	}

	if newest.IsZero() {
		return nil
	}
	return db.SetWatermark(ctx, storage.Watermark{Folder: folder, LastSync: newest, Files: int64(len(done))}, s.sess.clock.Now())
}

func transferAction(mode remote.Mode) string {
	if mode == remote.ModeMove {
		return "moved"
	}
	return "copied"
}

// remoteRel returns folder relative to the remote root, "." for the root
// itself. Folders outside the root have no place in the staging layout.
func remoteRel(root, folder string) (string, error) {
	root = path.Clean(root)
	folder = path.Clean(folder)
	if folder == root {
		return ".", nil
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	if !strings.HasPrefix(folder, prefix) {
		return "", fmt.Errorf("%w: %s is outside remote root %s", common.ErrInvalidPath, folder, root)
	}
	return strings.TrimPrefix(folder, prefix), nil
}
