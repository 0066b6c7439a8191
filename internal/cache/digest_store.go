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

package cache

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"mediasweep/internal/common"
)

const (
	digestFileHeader = "#mediasweep-digests v2"
	identityPrefix   = "#id "
	recordSeparator  = "  "
)

// record is one cached digest. legacy records come from v1 files that carry
// no identity key; they are trusted only for files older than the cache file.
// dev and ino are zero when the platform exposes no file id.
type record struct {
	digest   string
	modNanos int64
	size     int64
	dev      uint64
	ino      uint64
	legacy   bool
}

func newRecord(digest string, key IdentityKey) record {
	return record{digest: digest, modNanos: key.ModTime.UnixNano(), size: key.Size, dev: key.Device, ino: key.Inode}
}

// Stats counts cache behaviour for one store since it was loaded.
type Stats struct {
	Hits     int // digests served without reading the file
	Misses   int // files hashed
	Failures int // files that could not be read
	Skipped  int // malformed lines ignored while loading
}

// DigestStore caches content digests keyed by file identity.
//
// Thread-safe: hashing happens outside the lock so independent files may be
// hashed in parallel.
type DigestStore struct {
	mu        sync.Mutex
	path      string
	algo      Algorithm
	records   map[string]record
	writtenAt time.Time
	dirty     bool
	stats     Stats

	// open is swapped in tests to observe file reads.
	open func(name string) (io.ReadCloser, error)
}

// NewDigestStore creates an empty store persisted at path. An empty path
// keeps the store in memory only.
func NewDigestStore(path string, algo Algorithm) *DigestStore {
	if algo == "" {
		algo = SHA1
	}
	return &DigestStore{
		path:    path,
		algo:    algo,
		records: make(map[string]record, 256),
		open:    func(name string) (io.ReadCloser, error) { return os.Open(name) },
	}
}

// LoadDigestStore reads the store at path. A missing file yields an empty
// store; malformed lines are skipped with a warning.
func LoadDigestStore(path string, algo Algorithm) (*DigestStore, error) {
	s := NewDigestStore(path, algo)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to open digest cache %s: %w", path, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		s.writtenAt = info.ModTime()
	}
	if err := s.decode(f); err != nil {
		return nil, fmt.Errorf("failed to read digest cache %s: %w", path, err)
	}
	return s, nil
}

func (s *DigestStore) decode(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		lineNo  int
		pending *record
	)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		switch {
		case line == "":
			continue
		case line == digestFileHeader || strings.HasPrefix(line, digestFileHeader+" "):
			continue
		case strings.HasPrefix(line, identityPrefix):
			rec, err := parseIdentity(line)
			if err != nil {
				s.skip(lineNo, line, err)
				pending = nil
				continue
			}
			pending = &rec
		case strings.HasPrefix(line, "#"):
			continue
		default:
			digest, path, err := s.parseRecord(line)
			if err != nil {
				s.skip(lineNo, line, err)
				pending = nil
				continue
			}
			rec := record{digest: digest, legacy: true}
			if pending != nil {
				rec = *pending
				rec.digest = digest
			}
			s.records[path] = rec
			pending = nil
		}
	}
	return scanner.Err()
}

func parseIdentity(line string) (record, error) {
	fields := strings.Fields(strings.TrimPrefix(line, identityPrefix))
	if len(fields) != 2 && len(fields) != 4 {
		return record{}, fmt.Errorf("identity line needs 2 or 4 fields, got %d: %w", len(fields), common.ErrMalformedRecord)
	}
	nanos, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("bad modification time %q: %w", fields[0], common.ErrMalformedRecord)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return record{}, fmt.Errorf("bad size %q: %w", fields[1], common.ErrMalformedRecord)
	}
	rec := record{modNanos: nanos, size: size}
	if len(fields) == 4 {
		if rec.dev, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
			return record{}, fmt.Errorf("bad device %q: %w", fields[2], common.ErrMalformedRecord)
		}
		if rec.ino, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
			return record{}, fmt.Errorf("bad inode %q: %w", fields[3], common.ErrMalformedRecord)
		}
	}
	return rec, nil
}

// parseRecord splits "digest  path" (or sha1sum's binary form "digest *path").
func (s *DigestStore) parseRecord(line string) (string, string, error) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 || idx+2 > len(line) {
		return "", "", fmt.Errorf("missing separator: %w", common.ErrMalformedRecord)
	}
	digest := strings.ToLower(line[:idx])
	if !s.algo.IsDigest(digest) {
		return "", "", fmt.Errorf("not a %s digest %q: %w", s.algo, line[:idx], common.ErrMalformedRecord)
	}
	marker := line[idx+1]
	if marker != ' ' && marker != '*' {
		return "", "", fmt.Errorf("missing separator: %w", common.ErrMalformedRecord)
	}
	path := line[idx+2:]
	if !strings.HasPrefix(path, "/") {
		return "", "", fmt.Errorf("path %q is not absolute: %w", path, common.ErrMalformedRecord)
	}
	return digest, path, nil
}

func (s *DigestStore) skip(lineNo int, line string, err error) {
	s.stats.Skipped++
	log.WithFields(log.Fields{"cache": s.path, "line": lineNo}).Warnf("skipping digest record %q: %v", line, err)
}

// Algorithm returns the digest algorithm of the store.
func (s *DigestStore) Algorithm() Algorithm {
	return s.algo
}

// GetOrCompute returns the digest for the file behind key. A stored record
// with an identical key is returned without touching the file; otherwise the
// file is streamed through the hash and the record upserted.
// Read failures are reported wrapped in common.ErrIOUnreadable.
func (s *DigestStore) GetOrCompute(key IdentityKey) (string, error) {
	if digest, ok := s.cached(key); ok {
		return digest, nil
	}

	digest, err := s.hashFile(key.Path)
	if err != nil {
		s.mu.Lock()
		s.stats.Failures++
		s.mu.Unlock()
		return "", err
	}

	s.mu.Lock()
	s.records[key.Path] = newRecord(digest, key)
	s.dirty = true
	s.stats.Misses++
	s.mu.Unlock()
	return digest, nil
}

func (s *DigestStore) cached(key IdentityKey) (string, bool) {
	if Disabled {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.Path]
	if !ok {
		return "", false
	}
	if rec.legacy {
		// v1 records carry no identity: trust them only if the file has not
		// been modified since the cache file was written.
		if s.writtenAt.IsZero() || !key.ModTime.Before(s.writtenAt) {
			return "", false
		}
		s.records[key.Path] = newRecord(rec.digest, key)
		s.dirty = true
		s.stats.Hits++
		return rec.digest, true
	}
	if rec.modNanos != key.ModTime.UnixNano() || rec.size != key.Size {
		return "", false
	}
	if rec.ino == 0 && key.Inode != 0 {
		// records written before file ids were kept pick them up on first hit
		rec.dev, rec.ino = key.Device, key.Inode
		s.records[key.Path] = rec
		s.dirty = true
	}
	s.stats.Hits++
	return rec.digest, true
}

func (s *DigestStore) hashFile(path string) (string, error) {
	f, err := s.open(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w: %w", path, common.ErrIOUnreadable, err)
	}
	defer f.Close()

	h := s.algo.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w: %w", path, common.ErrIOUnreadable, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the cached digest for a path without validating it.
func (s *DigestStore) Lookup(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[path]
	return rec.digest, ok
}

// Prune removes records whose path is not in live and returns how many were
// dropped, keeping the store bounded to the current population.
func (s *DigestStore) Prune(live map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for path := range s.records {
		if _, ok := live[path]; !ok {
			delete(s.records, path)
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	return removed
}

// Relink moves records of vanished paths onto new paths of keys that carry
// the same file id (device and inode), modification time and size, so a
// renamed or moved file is not hashed again. A different file that merely
// shares size and modification time is never relinked. Keys without a file
// id are skipped. It returns the number of records moved.
func (s *DigestStore) Relink(keys []IdentityKey) int {
	if Disabled {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type fileKey struct{ dev, ino uint64 }
	live := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		live[k.Path] = struct{}{}
	}
	orphans := make(map[fileKey]string)
	for path, rec := range s.records {
		if _, ok := live[path]; ok || rec.legacy || rec.ino == 0 {
			continue
		}
		orphans[fileKey{rec.dev, rec.ino}] = path
	}
	if len(orphans) == 0 {
		return 0
	}

	moved := 0
	for _, k := range keys {
		if k.Inode == 0 {
			continue
		}
		if _, ok := s.records[k.Path]; ok {
			continue
		}
		id := fileKey{k.Device, k.Inode}
		from, ok := orphans[id]
		if !ok {
			continue
		}
		rec := s.records[from]
		if rec.modNanos != k.ModTime.UnixNano() || rec.size != k.Size {
			continue
		}
		s.records[k.Path] = rec
		delete(s.records, from)
		delete(orphans, id)
		moved++
	}
	if moved > 0 {
		s.dirty = true
	}
	return moved
}

// Len returns the number of cached records.
func (s *DigestStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Stats returns a copy of the store's counters.
func (s *DigestStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Save atomically replaces the backing file. It is a no-op for in-memory
// stores and for stores without changes since load.
func (s *DigestStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" || !s.dirty {
		return nil
	}

	paths := make([]string, 0, len(s.records))
	for path := range s.records {
		// a newline would split the record; such files are simply re-hashed
		if strings.ContainsAny(path, "\n\r") {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	err := common.WriteFileAtomic(s.path, 0600, func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "%s %s\n", digestFileHeader, s.algo); err != nil {
			return err
		}
		for _, path := range paths {
			rec := s.records[path]
			identity := fmt.Sprintf("%d %d", rec.modNanos, rec.size)
			if rec.ino != 0 {
				identity += fmt.Sprintf(" %d %d", rec.dev, rec.ino)
			}
			if _, err := fmt.Fprintf(w, "%s%s\n%s%s%s\n", identityPrefix, identity, rec.digest, recordSeparator, path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save digest cache: %w", err)
	}
	s.dirty = false
	s.writtenAt = time.Now()
	log.WithFields(log.Fields{"cache": s.path, "records": len(paths)}).Debug("digest cache saved")
	return nil
}
