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

// Package resolve decides which files of a source population are provably
// archived and may be deleted, and executes that decision.
package resolve

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"mediasweep/internal/common"
	"mediasweep/internal/ledger"
	"mediasweep/internal/scan"
)

// Candidate is one source file and the verdict on it.
type Candidate struct {
	Path   string
	Digest string // empty when the file could not be hashed
	Size   int64
	// Archived lists ledger paths holding the same content. Empty for kept files.
	Archived []string
}

// Resolution partitions a source population. Every scanned file is in
// exactly one of ToDelete and ToKeep.
type Resolution struct {
	Root     string
	ToDelete []Candidate
	ToKeep   []Candidate
	Failures []scan.Failure
}

// Total counts every file of the source population.
func (r *Resolution) Total() int {
	return len(r.ToDelete) + len(r.ToKeep)
}

// DeleteBytes sums the sizes of deletable files.
func (r *Resolution) DeleteBytes() int64 {
	var n int64
	for _, c := range r.ToDelete {
		n += c.Size
	}
	return n
}

// Resolver computes resolutions against the current ledger.
type Resolver struct {
	scanner    *scan.Scanner
	ledgerPath string
}

// New creates a Resolver that hashes sources through scanner and reads the
// ledger at ledgerPath on every Resolve call.
func New(scanner *scan.Scanner, ledgerPath string) *Resolver {
	return &Resolver{scanner: scanner, ledgerPath: ledgerPath}
}

// Resolve scans sourceRoot and marks each file deletable iff its digest is
// held by a ledger entry outside the source population. Files that cannot be hashed
// are kept. A missing or empty ledger fails with
// common.ErrPreconditionMissing rather than producing an empty delete set.
func (r *Resolver) Resolve(ctx context.Context, sourceRoot string) (*Resolution, error) {
	snap, err := ledger.Load(r.ledgerPath, r.scanner.Store().Algorithm())
	if err != nil {
		return nil, err
	}
	if snap.Len() == 0 {
		return nil, fmt.Errorf("ledger %s has no entries, run refresh-ledger first: %w", r.ledgerPath, common.ErrPreconditionMissing)
	}

	inv, err := r.scanner.Inventory(ctx, sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to scan source %s: %w", sourceRoot, err)
	}
	res := Partition(snap, inv)

	log.WithFields(log.Fields{
		"root":     res.Root,
		"total":    res.Total(),
		"delete":   len(res.ToDelete),
		"keep":     len(res.ToKeep),
		"failures": len(res.Failures),
	}).Info("source resolved")
	return res, nil
}

// Partition splits an inventory against a ledger snapshot. It is the pure
// core of Resolve.
func Partition(snap *ledger.Snapshot, inv *scan.Inventory) *Resolution {
	res := &Resolution{Root: inv.Root, Failures: inv.Failures}
	inSource := make(map[string]struct{}, len(inv.Entries)+len(inv.Failures))
	for _, e := range inv.Entries {
		inSource[e.Path] = struct{}{}
	}
	for _, f := range inv.Failures {
		inSource[f.Path] = struct{}{}
	}
	for _, e := range inv.Entries {
		c := Candidate{Path: e.Path, Digest: e.Digest, Size: e.Key.Size}
		for _, archived := range snap.Lookup(e.Digest) {
			// copies inside the source population may be deleted in the same
			// batch and never count as archived
			if _, ok := inSource[archived.Path]; !ok {
				c.Archived = append(c.Archived, archived.Path)
			}
		}
		if len(c.Archived) > 0 {
			res.ToDelete = append(res.ToDelete, c)
		} else {
			res.ToKeep = append(res.ToKeep, c)
		}
	}
	for _, f := range inv.Failures {
		res.ToKeep = append(res.ToKeep, Candidate{Path: f.Path, Size: -1})
	}
	return res
}
