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

// Package tracker keeps the append-only log of files transferred into the
// staging root. The log answers two questions: has a remote file already
// been staged, and what was a piece of content called when it arrived.
package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"mediasweep/internal/cache"
	"mediasweep/internal/common"
)

const fieldSeparator = "|"

// CopyRecord is one line of the log.
type CopyRecord struct {
	Path    string
	ModTime time.Time // second precision
}

// Tracker reads and appends the copy log.
type Tracker struct {
	mu          sync.Mutex
	path        string
	stagingRoot string
	store       *cache.DigestStore
	records     []CopyRecord
	staged      map[string]map[int64]struct{}
	names       map[string]string // digest -> base name, built on first lookup
}

// Open loads the log at path. A missing log yields an empty tracker.
// store hashes staged files for original-name lookups and should be the
// store of the staging population.
func Open(path, stagingRoot string, store *cache.DigestStore) (*Tracker, error) {
	t := &Tracker{
		path:        path,
		stagingRoot: stagingRoot,
		store:       store,
		staged:      make(map[string]map[int64]struct{}),
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to open copy log %s: %w", path, err)
	}
	defer f.Close()

	records, err := parseLog(f, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read copy log %s: %w", path, err)
	}
	for _, rec := range records {
		t.index(rec)
	}
	return t, nil
}

// parseLog reads "path|unix_mtime" lines. The path may itself contain the
// separator, so lines are split on the last one.
func parseLog(r io.Reader, name string) ([]CopyRecord, error) {
	var records []CopyRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			log.WithFields(log.Fields{"log": name, "line": lineNo}).Warnf("skipping copy record: %v", err)
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func parseLine(line string) (CopyRecord, error) {
	idx := strings.LastIndex(line, fieldSeparator)
	if idx <= 0 {
		return CopyRecord{}, fmt.Errorf("missing separator in %q: %w", line, common.ErrMalformedRecord)
	}
	path := line[:idx]
	if !filepath.IsAbs(path) {
		return CopyRecord{}, fmt.Errorf("path %q is not absolute: %w", path, common.ErrMalformedRecord)
	}
	raw := strings.TrimSpace(line[idx+1:])
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return CopyRecord{}, fmt.Errorf("bad modification time %q: %w", raw, common.ErrMalformedRecord)
	}
	return CopyRecord{Path: path, ModTime: time.Unix(int64(secs), 0).UTC()}, nil
}

func (t *Tracker) index(rec CopyRecord) {
	t.records = append(t.records, rec)
	rel, err := common.RelPath(t.stagingRoot, rec.Path)
	if err != nil {
		return
	}
	set, ok := t.staged[rel]
	if !ok {
		set = make(map[int64]struct{}, 1)
		t.staged[rel] = set
	}
	set[rec.ModTime.Unix()] = struct{}{}
}

// Path returns the log location.
func (t *Tracker) Path() string {
	return t.path
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Records returns a copy of the records in log order.
func (t *Tracker) Records() []CopyRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]CopyRecord(nil), t.records...)
}

// Record appends a line for a file that was just staged.
func (t *Tracker) Record(localPath string, mtime time.Time) error {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s", common.ErrInvalidPath, localPath)
	}
	if strings.ContainsAny(abs, "\n\r") {
		return fmt.Errorf("%w: newline in %q", common.ErrInvalidPath, abs)
	}
	rec := CopyRecord{Path: abs, ModTime: time.Unix(mtime.Unix(), 0).UTC()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.path), 0700); err != nil {
		return fmt.Errorf("failed to create copy log dir: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open copy log: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s%s%d\n", rec.Path, fieldSeparator, rec.ModTime.Unix()); err != nil {
		f.Close()
		return fmt.Errorf("failed to append copy record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close copy log: %w", err)
	}

	t.index(rec)
	t.names = nil
	return nil
}

// Staged reports whether a file at relPath (relative to the staging root,
// slash separated) with the given modification time was already staged.
// Times compare at second precision.
func (t *Tracker) Staged(relPath string, mtime time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.staged[common.NormalizePath(relPath)]
	if !ok {
		return false
	}
	_, ok = set[mtime.Unix()]
	return ok
}

// LookupOriginalName returns the base name under which content with digest
// was first staged. Tracked files that no longer exist or cannot be read are
// ignored. The reverse index is built on the first call.
func (t *Tracker) LookupOriginalName(ctx context.Context, digest string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.names == nil {
		if err := t.buildNames(ctx); err != nil {
			return "", false, err
		}
	}
	name, ok := t.names[digest]
	return name, ok, nil
}

func (t *Tracker) buildNames(ctx context.Context) error {
	names := make(map[string]string)
	seen := make(map[string]bool, len(t.records))
	hashed := 0
	for _, rec := range t.records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[rec.Path] {
			continue
		}
		seen[rec.Path] = true

		info, err := os.Stat(rec.Path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		digest, err := t.store.GetOrCompute(cache.KeyFromInfo(rec.Path, info))
		if err != nil {
			log.WithField("path", rec.Path).Warnf("skipping tracked file: %v", err)
			continue
		}
		hashed++
		if _, ok := names[digest]; !ok {
			names[digest] = filepath.Base(rec.Path)
		}
	}
	t.names = names
	log.WithFields(log.Fields{"records": len(t.records), "present": hashed, "digests": len(names)}).Debug("built original name index")
	return nil
}

// Compact rewrites the log with one line per path, keeping the latest
// modification time and the order in which paths were first recorded.
// It returns the number of lines removed.
func (t *Tracker) Compact() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	latest := make(map[string]CopyRecord, len(t.records))
	order := make(map[string]int, len(t.records))
	for i, rec := range t.records {
		if _, ok := order[rec.Path]; !ok {
			order[rec.Path] = i
		}
		if cur, ok := latest[rec.Path]; !ok || rec.ModTime.After(cur.ModTime) {
			latest[rec.Path] = rec
		}
	}
	compacted := make([]CopyRecord, 0, len(latest))
	for _, rec := range latest {
		compacted = append(compacted, rec)
	}
	sort.Slice(compacted, func(i, j int) bool { return order[compacted[i].Path] < order[compacted[j].Path] })

	removed := len(t.records) - len(compacted)
	if removed == 0 {
		return 0, nil
	}
	err := common.WriteFileAtomic(t.path, 0600, func(w io.Writer) error {
		for _, rec := range compacted {
			if _, err := fmt.Fprintf(w, "%s%s%d\n", rec.Path, fieldSeparator, rec.ModTime.Unix()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compact copy log: %w", err)
	}

	// staged keeps every mtime ever recorded so earlier answers still hold
	t.records = compacted
	log.WithFields(log.Fields{"log": t.path, "removed": removed, "kept": len(compacted)}).Info("copy log compacted")
	return removed, nil
}
