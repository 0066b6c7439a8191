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

package common

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(path string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// RelPath returns path relative to root in normalized, slash-separated form.
// Paths outside root yield ErrInvalidPath.
func RelPath(root, path string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%s not under %s: %w", path, root, ErrInvalidPath)
	}
	rel = NormalizePath(rel)
	if rel == "" || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s not under %s: %w", path, root, ErrInvalidPath)
	}
	return rel, nil
}

// JoinUnder joins a normalized relative path onto root using the
// separator of the given flavour ("/" for remote POSIX paths).
func JoinUnder(root, rel, sep string) string {
	rel = NormalizePath(rel)
	if sep == "/" {
		return strings.TrimSuffix(root, "/") + "/" + rel
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// RootKey derives a stable, filesystem-safe file name for per-root state
// such as digest caches. The readable prefix is the root's base name.
func RootKey(root string) string {
	clean := filepath.Clean(root)
	sum := sha1.Sum([]byte(clean))
	base := filepath.Base(clean)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, base)
	if base == "" || base == "_" {
		base = "root"
	}
	return base + "-" + hex.EncodeToString(sum[:])[:12]
}
