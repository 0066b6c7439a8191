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

package resolve

import (
	"context"
	"fmt"
	"path"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"mediasweep/internal/common"
)

// Deleter removes one file from a location.
type Deleter interface {
	Delete(ctx context.Context, path string) error
	// Location names the side files are deleted from ("local", "remote").
	Location() string
}

// LocalDeleter removes files through an afero filesystem.
type LocalDeleter struct {
	fs afero.Fs
}

// NewLocalDeleter returns a deleter on fs; nil means the OS filesystem.
func NewLocalDeleter(fs afero.Fs) *LocalDeleter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LocalDeleter{fs: fs}
}

func (d *LocalDeleter) Location() string { return "local" }

// Delete removes a regular file. Directories are refused.
func (d *LocalDeleter) Delete(_ context.Context, p string) error {
	info, err := d.fs.Stat(p)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file: %w", p, common.ErrInvalidPath)
	}
	if err := d.fs.Remove(p); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// Target is one file to delete.
type Target struct {
	Path string
	Size int64
}

// Result is the outcome for one target.
type Result struct {
	Target
	Err error
}

// Outcome summarizes an executed batch.
type Outcome struct {
	Location string
	Results  []Result
}

// Deleted counts successful deletions.
func (o *Outcome) Deleted() int {
	n := 0
	for _, r := range o.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the failed results.
func (o *Outcome) Failed() []Result {
	var failed []Result
	for _, r := range o.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Executor deletes targets one by one.
type Executor struct {
	deleter Deleter
}

// NewExecutor creates an executor deleting through d.
func NewExecutor(d Deleter) *Executor {
	return &Executor{deleter: d}
}

// Execute deletes every target sequentially. A failure is recorded and the
// batch continues. The context is consulted only before the batch starts;
// once started, a batch runs to completion.
func (e *Executor) Execute(ctx context.Context, targets []Target) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &Outcome{Location: e.deleter.Location(), Results: make([]Result, 0, len(targets))}
	batchCtx := context.WithoutCancel(ctx)
	for _, t := range targets {
		err := e.deleter.Delete(batchCtx, t.Path)
		entry := log.WithFields(log.Fields{"path": t.Path, "location": out.Location})
		if err != nil {
			entry.Warnf("delete failed: %v", err)
		} else {
			entry.Debug("deleted")
		}
		out.Results = append(out.Results, Result{Target: t, Err: err})
	}
	log.WithFields(log.Fields{
		"location": out.Location,
		"deleted":  out.Deleted(),
		"failed":   len(out.Failed()),
	}).Info("deletion batch finished")
	return out, nil
}

// LocalTargets lists the deletable files of a resolution.
func LocalTargets(res *Resolution) []Target {
	targets := make([]Target, 0, len(res.ToDelete))
	for _, c := range res.ToDelete {
		targets = append(targets, Target{Path: c.Path, Size: c.Size})
	}
	return targets
}

// RemoteTargets maps deletable staged files to their remote counterparts:
// stagingRoot/rel becomes remoteRoot/rel. Files outside the staging root
// have no counterpart and are left out.
func RemoteTargets(res *Resolution, stagingRoot, remoteRoot string) []Target {
	var targets []Target
	for _, c := range res.ToDelete {
		if p, ok := RemotePath(c.Path, stagingRoot, remoteRoot); ok {
			targets = append(targets, Target{Path: p, Size: c.Size})
		}
	}
	return targets
}

// RemotePath returns the remote counterpart of a staged file.
func RemotePath(localPath, stagingRoot, remoteRoot string) (string, bool) {
	rel, err := common.RelPath(stagingRoot, localPath)
	if err != nil {
		return "", false
	}
	return path.Clean(common.JoinUnder(remoteRoot, rel, "/")), true
}

var _ Deleter = (*LocalDeleter)(nil)
