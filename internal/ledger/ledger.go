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

// Package ledger maintains the provenance ledger: one entry per file that
// currently exists below the archive root, keyed by absolute path and
// indexed by content digest. The ledger is the single source of truth for
// "has this content been archived".
package ledger

import (
	"sort"
	"time"

	"mediasweep/internal/cache"
)

// Entry is one archived file.
type Entry struct {
	Digest       string
	Path         string
	OriginalName string    // empty when unknown
	Created      time.Time // zero when unknown
	Archived     time.Time // zero when unknown
	ModTime      time.Time // zero when unknown (older ledger revisions)
	Size         int64     // -1 when unknown
}

// HasIdentity reports whether the entry carries modification time and size,
// which are needed to carry it forward across rebuilds.
func (e Entry) HasIdentity() bool {
	return !e.ModTime.IsZero() && e.Size >= 0
}

// Matches reports whether the entry describes the file behind key.
func (e Entry) Matches(key cache.IdentityKey) bool {
	return e.HasIdentity() && e.Path == key.Path && e.Size == key.Size && e.ModTime.Equal(key.ModTime)
}

// Snapshot is an immutable, path-sorted view of the ledger.
type Snapshot struct {
	algo     cache.Algorithm
	entries  []Entry
	byPath   map[string]int
	byDigest map[string][]int
}

// NewSnapshot indexes entries. Later entries win on duplicate paths.
func NewSnapshot(algo cache.Algorithm, entries []Entry) *Snapshot {
	if algo == "" {
		algo = cache.SHA1
	}
	unique := make(map[string]Entry, len(entries))
	for _, e := range entries {
		unique[e.Path] = e
	}
	sorted := make([]Entry, 0, len(unique))
	for _, e := range unique {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	s := &Snapshot{
		algo:     algo,
		entries:  sorted,
		byPath:   make(map[string]int, len(sorted)),
		byDigest: make(map[string][]int, len(sorted)),
	}
	for i, e := range sorted {
		s.byPath[e.Path] = i
		s.byDigest[e.Digest] = append(s.byDigest[e.Digest], i)
	}
	return s
}

// Algorithm returns the digest algorithm of the ledger.
func (s *Snapshot) Algorithm() cache.Algorithm {
	return s.algo
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Entries returns a copy of all entries sorted by path.
func (s *Snapshot) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// ByPath returns the entry at an absolute path.
func (s *Snapshot) ByPath(path string) (Entry, bool) {
	i, ok := s.byPath[path]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Has reports whether any archived file has the digest.
func (s *Snapshot) Has(digest string) bool {
	_, ok := s.byDigest[digest]
	return ok
}

// Lookup returns every entry holding digest, sorted by path.
func (s *Snapshot) Lookup(digest string) []Entry {
	idx := s.byDigest[digest]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.entries[i])
	}
	return out
}

// Digests returns the set of archived digests.
func (s *Snapshot) Digests() map[string]struct{} {
	set := make(map[string]struct{}, len(s.byDigest))
	for d := range s.byDigest {
		set[d] = struct{}{}
	}
	return set
}

// Stats summarizes the ledger content.
type Stats struct {
	Entries        int
	UniqueDigests  int
	DuplicateFiles int // entries whose digest is held by an earlier entry
	TotalBytes     int64
	WithOriginal   int
}

// Stats computes summary counters.
func (s *Snapshot) Stats() Stats {
	st := Stats{Entries: len(s.entries), UniqueDigests: len(s.byDigest)}
	st.DuplicateFiles = st.Entries - st.UniqueDigests
	for _, e := range s.entries {
		if e.Size > 0 {
			st.TotalBytes += e.Size
		}
		if e.OriginalName != "" {
			st.WithOriginal++
		}
	}
	return st
}
