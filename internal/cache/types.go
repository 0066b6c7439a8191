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
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io/fs"
	"strings"
	"time"
)

// Algorithm names a supported content digest.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

// ParseAlgorithm validates a configured algorithm name. Empty means SHA1.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", SHA1:
		return SHA1, nil
	case SHA256:
		return SHA256, nil
	}
	return "", fmt.Errorf("unsupported hash algorithm %q (want sha1 or sha256)", name)
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	if a == SHA256 {
		return sha256.New()
	}
	return sha1.New()
}

// HexLen is the length of a hex encoded digest.
func (a Algorithm) HexLen() int {
	if a == SHA256 {
		return sha256.Size * 2
	}
	return sha1.Size * 2
}

// ColumnName is the ledger column holding digests of this algorithm
// ("sha1sum" / "sha256sum"), mirroring the coreutils tool names.
func (a Algorithm) ColumnName() string {
	if a == "" {
		return string(SHA1) + "sum"
	}
	return string(a) + "sum"
}

// IsDigest reports whether s looks like a lowercase hex digest of this algorithm.
func (a Algorithm) IsDigest(s string) bool {
	if len(s) != a.HexLen() {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// IdentityKey decides whether a cached digest is still valid.
// Any change to path, modification time or size invalidates it.
// Device and Inode identify the underlying file for Relink; they are zero
// when unknown.
type IdentityKey struct {
	Path    string
	ModTime time.Time
	Size    int64
	Device  uint64
	Inode   uint64
}

// KeyFromInfo builds the identity key of an absolute path from its FileInfo.
func KeyFromInfo(path string, info fs.FileInfo) IdentityKey {
	dev, ino := fileID(info)
	return IdentityKey{Path: path, ModTime: info.ModTime(), Size: info.Size(), Device: dev, Inode: ino}
}

// Equal compares keys at nanosecond precision regardless of location.
func (k IdentityKey) Equal(o IdentityKey) bool {
	return k.Path == o.Path && k.Size == o.Size && k.ModTime.Equal(o.ModTime)
}
