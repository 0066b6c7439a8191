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

package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"mediasweep/internal/cache"
	"mediasweep/internal/common"
	"mediasweep/internal/scan"
)

// OriginalNamer resolves the name a piece of content had when it was first
// staged, see tracker.Tracker.
type OriginalNamer interface {
	LookupOriginalName(ctx context.Context, digest string) (string, bool, error)
}

// TimeSource returns a timestamp for path, or false when none is recorded.
type TimeSource func(path string) (time.Time, bool)

// Rebuilder re-derives the ledger from the archive root.
type Rebuilder struct {
	scanner *scan.Scanner
	path    string
	names   OriginalNamer
	born    TimeSource
}

// NewRebuilder creates a Rebuilder writing the ledger at ledgerPath.
// names may be nil, in which case original filenames stay unknown.
func NewRebuilder(scanner *scan.Scanner, ledgerPath string, names OriginalNamer) *Rebuilder {
	return &Rebuilder{scanner: scanner, path: ledgerPath, names: names, born: birthTime}
}

// Path returns the ledger file location.
func (r *Rebuilder) Path() string {
	return r.path
}

// RebuildResult describes one rebuild.
type RebuildResult struct {
	Snapshot *Snapshot
	Carried  int // entries reused unchanged
	Added    int // entries created for new or changed files
	Dropped  int // previous entries whose file is gone or changed
	Failures []scan.Failure
	Previous []byte // ledger bytes before the rebuild (nil on first build)
	Current  []byte // ledger bytes written
}

// Changed reports whether the rebuild altered the ledger file.
func (res *RebuildResult) Changed() bool {
	return !bytes.Equal(res.Previous, res.Current)
}

// Rebuild scans archiveRoot and rewrites the ledger so it exactly reflects
// the files currently present:
//  1. unchanged files (same path, mtime and size) carry their entry forward
//  2. new or changed files get a fresh entry with derived dates and name
//  3. entries for vanished files are dropped
//
// The ledger is persisted atomically. An unreadable archive root is an error
// and leaves the previous ledger untouched.
func (r *Rebuilder) Rebuild(ctx context.Context, archiveRoot string) (*RebuildResult, error) {
	algo := r.scanner.Store().Algorithm()
	res := &RebuildResult{}

	previous, err := r.loadPrevious(algo, res)
	if err != nil {
		return nil, err
	}

	inv, err := r.scanner.Inventory(ctx, archiveRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to scan archive root: %w", err)
	}
	res.Failures = inv.Failures

	entries := make([]Entry, 0, len(inv.Entries))
	for _, item := range inv.Entries {
		if prev, ok := previous.ByPath(item.Path); ok && prev.Matches(item.Key) && prev.Digest == item.Digest {
			entries = append(entries, prev)
			res.Carried++
			continue
		}
		e, err := r.newEntry(ctx, item, previous)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		res.Added++
	}
	res.Dropped = previous.Len() - res.Carried

	res.Snapshot = NewSnapshot(algo, entries)
	if res.Current, err = Marshal(res.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := common.WriteFileAtomic(r.path, 0644, func(w io.Writer) error {
		_, err := w.Write(res.Current)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to save ledger: %w", err)
	}

	log.WithFields(log.Fields{
		"archive":  inv.Root,
		"entries":  res.Snapshot.Len(),
		"carried":  res.Carried,
		"added":    res.Added,
		"dropped":  res.Dropped,
		"failures": len(res.Failures),
	}).Info("ledger rebuilt")
	return res, nil
}

func (r *Rebuilder) loadPrevious(algo cache.Algorithm, res *RebuildResult) (*Snapshot, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewSnapshot(algo, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", r.path, err)
	}
	res.Previous = data

	if len(bytes.TrimSpace(data)) == 0 {
		return NewSnapshot(algo, nil), nil
	}
	snap, skipped, err := Decode(bytes.NewReader(data), algo)
	if err != nil {
		// the rebuild is authoritative; an unusable ledger is replaced
		log.WithField("ledger", r.path).Warnf("discarding unreadable ledger: %v", err)
		return NewSnapshot(algo, nil), nil
	}
	if skipped > 0 {
		log.WithFields(log.Fields{"ledger": r.path, "skipped": skipped}).Warn("ledger contained malformed records")
	}
	return snap, nil
}

func (r *Rebuilder) newEntry(ctx context.Context, item scan.Entry, previous *Snapshot) (Entry, error) {
	e := Entry{
		Digest:  item.Digest,
		Path:    item.Path,
		ModTime: item.Key.ModTime,
		Size:    item.Key.Size,
	}
	e.Created = r.timestamp(item.Path, item.Key.ModTime)

	parent := filepath.Dir(item.Path)
	var parentMod time.Time
	if info, err := os.Stat(parent); err == nil {
		parentMod = info.ModTime()
	}
	e.Archived = r.timestamp(parent, parentMod)

	if r.names != nil {
		name, ok, err := r.names.LookupOriginalName(ctx, item.Digest)
		if err != nil {
			return Entry{}, fmt.Errorf("original name lookup for %s: %w", item.Path, err)
		}
		if ok {
			e.OriginalName = name
		}
	}
	if e.OriginalName == "" {
		// same path with same content keeps the name it was already known by
		if prev, ok := previous.ByPath(item.Path); ok && prev.Digest == item.Digest {
			e.OriginalName = prev.OriginalName
		}
	}
	if e.OriginalName == "" {
		// a renamed or copied file keeps the name recorded for its content
		for _, prev := range previous.Lookup(item.Digest) {
			if prev.OriginalName != "" {
				e.OriginalName = prev.OriginalName
				break
			}
		}
	}

	log.WithFields(log.Fields{"path": e.Path, "digest": e.Digest}).Debug("new ledger entry")
	return e, nil
}

// timestamp prefers the recorded birth time and falls back to mtime.
// Values are truncated to seconds, the precision persisted in the ledger.
func (r *Rebuilder) timestamp(path string, fallback time.Time) time.Time {
	if t, ok := r.born(path); ok {
		return t.UTC().Truncate(time.Second)
	}
	if fallback.IsZero() {
		return fallback
	}
	return fallback.UTC().Truncate(time.Second)
}
