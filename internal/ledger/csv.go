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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"mediasweep/internal/cache"
	"mediasweep/internal/common"
)

// Column names. The digest column is named after the algorithm
// (sha1sum / sha256sum); every other column is fixed.
const (
	ColPath         = "absolute_path"
	ColOriginalName = "original_filename"
	ColCreated      = "created_date"
	ColArchived     = "archived_date"
	ColModTime      = "modification_time"
	ColSize         = "size"
)

// Columns returns the current column set written for algo.
func Columns(algo cache.Algorithm) []string {
	return []string{algo.ColumnName(), ColPath, ColOriginalName, ColCreated, ColArchived, ColModTime, ColSize}
}

// legacyTimeLayouts are accepted when reading dates written by older revisions.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Encode writes snap as CSV with the full current column set.
func Encode(w io.Writer, snap *Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns(snap.Algorithm())); err != nil {
		return err
	}
	for _, e := range snap.entries {
		if err := cw.Write(encodeEntry(e)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeEntry(e Entry) []string {
	size := ""
	if e.Size >= 0 {
		size = strconv.FormatInt(e.Size, 10)
	}
	return []string{
		e.Digest,
		e.Path,
		e.OriginalName,
		formatTime(e.Created, time.RFC3339),
		formatTime(e.Archived, time.RFC3339),
		formatTime(e.ModTime, time.RFC3339Nano),
		size,
	}
}

func formatTime(t time.Time, layout string) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(layout)
}

// Decode reads a ledger written by any revision. The header row defines the
// column set; only the digest and path columns are required. Rows that fail
// to parse are skipped with a warning and counted.
func Decode(r io.Reader, algo cache.Algorithm) (*Snapshot, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("ledger has no header: %w", common.ErrMalformedRecord)
		}
		return nil, 0, fmt.Errorf("ledger header: %w: %w", common.ErrMalformedRecord, err)
	}
	cols, err := mapColumns(header, algo)
	if err != nil {
		return nil, 0, err
	}

	var (
		entries []Entry
		skipped int
		seen    = make(map[string]bool)
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				log.WithField("line", parseErr.Line).Warnf("skipping ledger record: %v", err)
				continue
			}
			return nil, 0, err
		}
		line, _ := cr.FieldPos(0)
		e, err := cols.entry(row, algo)
		if err == nil && seen[e.Path] {
			err = fmt.Errorf("duplicate path %s: %w", e.Path, common.ErrMalformedRecord)
		}
		if err != nil {
			skipped++
			log.WithField("line", line).Warnf("skipping ledger record: %v", err)
			continue
		}
		seen[e.Path] = true
		entries = append(entries, e)
	}
	return NewSnapshot(algo, entries), skipped, nil
}

type columnIndex map[string]int

func mapColumns(header []string, algo cache.Algorithm) (columnIndex, error) {
	cols := make(columnIndex, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if strings.HasSuffix(name, "sum") {
			if name != algo.ColumnName() {
				return nil, fmt.Errorf("ledger digest column %q does not match configured %s: %w", name, algo, common.ErrMalformedRecord)
			}
			name = "digest"
		}
		cols[name] = i
	}
	if _, ok := cols["digest"]; !ok {
		return nil, fmt.Errorf("ledger header lacks %s column: %w", algo.ColumnName(), common.ErrMalformedRecord)
	}
	if _, ok := cols[ColPath]; !ok {
		return nil, fmt.Errorf("ledger header lacks %s column: %w", ColPath, common.ErrMalformedRecord)
	}
	return cols, nil
}

func (c columnIndex) field(row []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (c columnIndex) entry(row []string, algo cache.Algorithm) (Entry, error) {
	e := Entry{
		Digest:       strings.ToLower(strings.TrimSpace(c.field(row, "digest"))),
		Path:         c.field(row, ColPath),
		OriginalName: c.field(row, ColOriginalName),
		Size:         -1,
	}
	if !algo.IsDigest(e.Digest) {
		return Entry{}, fmt.Errorf("bad digest %q: %w", e.Digest, common.ErrMalformedRecord)
	}
	if !strings.HasPrefix(e.Path, "/") {
		return Entry{}, fmt.Errorf("path %q is not absolute: %w", e.Path, common.ErrMalformedRecord)
	}

	var err error
	if e.Created, err = parseTime(c.field(row, ColCreated)); err != nil {
		return Entry{}, err
	}
	if e.Archived, err = parseTime(c.field(row, ColArchived)); err != nil {
		return Entry{}, err
	}
	if e.ModTime, err = parseTime(c.field(row, ColModTime)); err != nil {
		return Entry{}, err
	}
	if raw := strings.TrimSpace(c.field(row, ColSize)); raw != "" {
		e.Size, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || e.Size < 0 {
			return Entry{}, fmt.Errorf("bad size %q: %w", raw, common.ErrMalformedRecord)
		}
	}
	return e, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad date %q: %w", raw, common.ErrMalformedRecord)
}

// Load reads the ledger at path. A missing or empty ledger is reported as
// common.ErrPreconditionMissing: callers must build the ledger first.
func Load(path string, algo cache.Algorithm) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("ledger %s does not exist, run refresh-ledger first: %w", path, common.ErrPreconditionMissing)
		}
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("ledger %s is empty, run refresh-ledger first: %w", path, common.ErrPreconditionMissing)
	}
	snap, skipped, err := Decode(bytes.NewReader(data), algo)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	if skipped > 0 {
		log.WithFields(log.Fields{"ledger": path, "skipped": skipped}).Warn("ledger contained malformed records")
	}
	return snap, nil
}

// Marshal renders snap to bytes, used for idempotence checks and diffs.
func Marshal(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
