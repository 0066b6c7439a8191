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

// Package scan walks a population root and pairs every regular file with its
// content digest, reusing cached digests for unchanged files.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mediasweep/internal/cache"
	"mediasweep/internal/common"
)

// Options configures a Scanner. The zero value is a sensible default.
type Options struct {
	// FollowSymlinks follows symlinked files and directories. Directory
	// cycles are detected on resolved paths. Default: links are skipped.
	FollowSymlinks bool
	// Excludes are gitignore-style patterns applied relative to the root.
	Excludes []string
	// Workers bounds parallel hashing in Inventory (<=1 hashes sequentially).
	Workers int
}

// Entry is one file of a population inventory.
type Entry struct {
	Digest string
	Path   string
	Key    cache.IdentityKey
}

// Failure records a file that could not be listed or hashed.
type Failure struct {
	Path string
	Err  error
}

// Inventory is the normalized result of scanning one root.
type Inventory struct {
	Root     string
	Entries  []Entry   // sorted by path
	Failures []Failure // sorted by path
}

// Total counts every file seen, hashed or not.
func (inv *Inventory) Total() int {
	return len(inv.Entries) + len(inv.Failures)
}

// Scanner produces inventories of a root through a digest store.
type Scanner struct {
	store *cache.DigestStore
	opts  Options
}

// New creates a Scanner backed by the digest store of the population.
func New(store *cache.DigestStore, opts Options) *Scanner {
	return &Scanner{store: store, opts: opts}
}

// Store returns the digest store used by the scanner.
func (s *Scanner) Store() *cache.DigestStore {
	return s.store
}

// Files lists the regular files below root in a stable order without
// hashing them. Per-entry listing problems are returned as failures; an
// unreadable root is an error.
func (s *Scanner) Files(ctx context.Context, root string) ([]cache.IdentityKey, []Failure, error) {
	var (
		keys     []cache.IdentityKey
		failures []Failure
	)
	err := s.walk(ctx, root, func(key cache.IdentityKey) bool {
		keys = append(keys, key)
		return true
	}, func(f Failure) bool {
		failures = append(failures, f)
		return true
	})
	return keys, failures, err
}

// Entries lazily walks root and yields each file with its digest. Files that
// cannot be listed or hashed are yielded with a non-nil error and an Entry
// carrying only the path. The sequence is restartable; it has no side
// effects besides updating the in-memory digest store.
func (s *Scanner) Entries(ctx context.Context, root string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		err := s.walk(ctx, root, func(key cache.IdentityKey) bool {
			digest, err := s.store.GetOrCompute(key)
			if err != nil {
				return yield(Entry{Path: key.Path, Key: key}, err)
			}
			return yield(Entry{Digest: digest, Path: key.Path, Key: key}, nil)
		}, func(f Failure) bool {
			return yield(Entry{Path: f.Path}, f.Err)
		})
		if err != nil {
			yield(Entry{Path: root}, err)
		}
	}
}

// Inventory scans root, hashes every file (reusing cached digests, also for
// files that were only moved), prunes the digest store to the live
// population and persists it.
func (s *Scanner) Inventory(ctx context.Context, root string) (*Inventory, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	keys, failures, err := s.Files(ctx, root)
	if err != nil {
		return nil, err
	}
	if moved := s.store.Relink(keys); moved > 0 {
		log.WithFields(log.Fields{"root": root, "moved": moved}).Debug("relinked digests of moved files")
	}

	results := make([]Entry, len(keys))
	hashErrs := make([]error, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	workers := s.opts.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			digest, err := s.store.GetOrCompute(key)
			if err != nil {
				hashErrs[i] = err
				return nil
			}
			results[i] = Entry{Digest: digest, Path: key.Path, Key: key}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inv := &Inventory{Root: root, Entries: make([]Entry, 0, len(keys)), Failures: failures}
	live := make(map[string]struct{}, len(keys))
	for i, key := range keys {
		live[key.Path] = struct{}{}
		if hashErrs[i] != nil {
			log.WithFields(log.Fields{"root": root, "path": key.Path}).Warnf("skipping unreadable file: %v", hashErrs[i])
			inv.Failures = append(inv.Failures, Failure{Path: key.Path, Err: hashErrs[i]})
			continue
		}
		inv.Entries = append(inv.Entries, results[i])
	}
	sort.Slice(inv.Entries, func(i, j int) bool { return inv.Entries[i].Path < inv.Entries[j].Path })
	sort.Slice(inv.Failures, func(i, j int) bool { return inv.Failures[i].Path < inv.Failures[j].Path })

	if pruned := s.store.Prune(live); pruned > 0 {
		log.WithFields(log.Fields{"root": root, "pruned": pruned}).Debug("pruned stale digest records")
	}
	if err := s.store.Save(); err != nil {
		return nil, err
	}

	stats := s.store.Stats()
	log.WithFields(log.Fields{
		"root":     root,
		"files":    len(inv.Entries),
		"failures": len(inv.Failures),
		"hits":     stats.Hits,
		"misses":   stats.Misses,
	}).Info("scan complete")
	return inv, nil
}

func (s *Scanner) walk(ctx context.Context, root string, onFile func(cache.IdentityKey) bool, onFail func(Failure) bool) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("scan root %s: %w: %w", root, common.ErrIOUnreadable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scan root %s is not a directory: %w", root, common.ErrInvalidPath)
	}

	w := &walker{
		ctx:     ctx,
		root:    root,
		opts:    s.opts,
		filter:  BuildFilter(root, s.opts.Excludes),
		visited: make(map[string]struct{}),
		onFile:  onFile,
		onFail:  onFail,
	}
	if real, err := filepath.EvalSymlinks(root); err == nil {
		w.visited[real] = struct{}{}
	}
	_, err = w.dir(root)
	return err
}

type walker struct {
	ctx     context.Context
	root    string
	opts    Options
	filter  Filter
	visited map[string]struct{}
	onFile  func(cache.IdentityKey) bool
	onFail  func(Failure) bool
}

// dir walks one directory; it returns false once a callback asked to stop.
func (w *walker) dir(path string) (bool, error) {
	if err := w.ctx.Err(); err != nil {
		return false, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return w.onFail(Failure{Path: path, Err: fmt.Errorf("list %s: %w: %w", path, common.ErrIOUnreadable, err)}), nil
	}

	for _, d := range entries {
		full := filepath.Join(path, d.Name())
		rel, err := common.RelPath(w.root, full)
		if err != nil {
			continue
		}

		typ := d.Type()
		var info fs.FileInfo
		if typ&fs.ModeSymlink != 0 {
			if !w.opts.FollowSymlinks {
				continue
			}
			info, err = os.Stat(full)
			if err != nil {
				if !w.onFail(Failure{Path: full, Err: fmt.Errorf("follow %s: %w: %w", full, common.ErrIOUnreadable, err)}) {
					return false, nil
				}
				continue
			}
			typ = info.Mode().Type()
		}

		switch {
		case typ.IsDir():
			if !w.filter(rel, true) {
				continue
			}
			if w.opts.FollowSymlinks {
				real, err := filepath.EvalSymlinks(full)
				if err != nil {
					continue
				}
				if _, seen := w.visited[real]; seen {
					log.WithField("path", full).Debug("skipping already visited directory")
					continue
				}
				w.visited[real] = struct{}{}
			}
			more, err := w.dir(full)
			if err != nil || !more {
				return more, err
			}
		case typ.IsRegular():
			if !w.filter(rel, false) {
				continue
			}
			if info == nil {
				info, err = d.Info()
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						continue
					}
					if !w.onFail(Failure{Path: full, Err: fmt.Errorf("stat %s: %w: %w", full, common.ErrIOUnreadable, err)}) {
						return false, nil
					}
					continue
				}
			}
			if !w.onFile(cache.KeyFromInfo(full, info)) {
				return false, nil
			}
		}
	}
	return true, nil
}
