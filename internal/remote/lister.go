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

package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"mediasweep/internal/common"
	"mediasweep/internal/util"
)

// listFormat makes find print "mtime|size|path" per file. The path comes
// last so it may contain the separator.
const listFormat = `%T@|%s|%p\n`

// RemoteFile is one file on the device.
type RemoteFile struct {
	Path    string // absolute remote path
	Rel     string // relative to the listed root, slash separated
	ModTime time.Time
	Size    int64
}

// Lister enumerates files on the device over ssh.
type Lister struct {
	cfg Config
	run Runner
}

// NewLister creates a lister. run may be nil for util.RunCommand.
func NewLister(cfg Config, run Runner) *Lister {
	if run == nil {
		run = util.RunCommand
	}
	return &Lister{cfg: cfg, run: run}
}

// List returns the regular files below root, sorted by path. A non-zero
// since restricts the listing to files modified after it.
func (l *Lister) List(ctx context.Context, root string, since time.Time) ([]RemoteFile, error) {
	words := []string{"find", root, "-type", "f"}
	if !since.IsZero() {
		words = append(words, "-newermt", "@"+strconv.FormatInt(since.Unix(), 10))
	}
	words = append(words, "-printf", listFormat)

	out, err := ssh(ctx, l.run, l.cfg, words...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	files, skipped := parseListing(out, root)
	if skipped > 0 {
		log.WithFields(log.Fields{"root": root, "skipped": skipped}).Warn("remote listing contained malformed lines")
	}
	log.WithFields(log.Fields{"root": root, "files": len(files), "since": since}).Debug("remote listing")
	return files, nil
}

func parseListing(out []byte, root string) ([]RemoteFile, int) {
	var (
		files   []RemoteFile
		skipped int
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		f, err := parseListLine(line, root)
		if err != nil {
			skipped++
			log.Debugf("skipping listing line %q: %v", line, err)
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, skipped
}

func parseListLine(line, root string) (RemoteFile, error) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return RemoteFile{}, common.ErrMalformedRecord
	}
	mtime, err := parseFindTime(parts[0])
	if err != nil {
		return RemoteFile{}, err
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return RemoteFile{}, fmt.Errorf("bad size %q: %w", parts[1], common.ErrMalformedRecord)
	}
	p := path.Clean(parts[2])
	rel, err := relUnder(root, p)
	if err != nil {
		return RemoteFile{}, err
	}
	return RemoteFile{Path: p, Rel: rel, ModTime: mtime, Size: size}, nil
}

// parseFindTime parses find's "%T@" (seconds with a fractional part)
// without going through float64, keeping nanosecond precision.
func parseFindTime(raw string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(raw, ".")
	secs, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad mtime %q: %w", raw, common.ErrMalformedRecord)
	}
	var nanos int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		fracPart += strings.Repeat("0", 9-len(fracPart))
		if nanos, err = strconv.ParseInt(fracPart, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("bad mtime %q: %w", raw, common.ErrMalformedRecord)
		}
	}
	return time.Unix(secs, nanos).UTC(), nil
}

func relUnder(root, p string) (string, error) {
	root = path.Clean(root)
	if !strings.HasPrefix(p, root+"/") && root != "/" {
		return "", fmt.Errorf("%s not under %s: %w", p, root, common.ErrInvalidPath)
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, root), "/"), nil
}

// Folders returns the names of the immediate subfolders of root, sorted.
func (l *Lister) Folders(ctx context.Context, root string) ([]string, error) {
	out, err := ssh(ctx, l.run, l.cfg, "find", root, "-mindepth", "1", "-maxdepth", "1", "-type", "d", "-printf", `%f\n`)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders of %s: %w", root, err)
	}
	var folders []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, ".") {
			folders = append(folders, line)
		}
	}
	sort.Strings(folders)
	return folders, nil
}
