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

// Package runlog writes the human-readable run summaries and the transfer
// CSV log, and mirrors each run into the state database history.
package runlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"mediasweep/internal/storage"
)

// TransferColumns is the header of the transfer log.
var TransferColumns = []string{"datetime", "action", "src_path", "dest_path", "status"}

// History persists run records; *storage.BunDB implements it.
type History interface {
	StartRun(ctx context.Context, id, command string, started time.Time) error
	FinishRun(ctx context.Context, id string, counts storage.RunCounts, runErr error, finished time.Time) error
}

// Logger creates runs writing below dir.
type Logger struct {
	dir     string
	clock   clockwork.Clock
	history History
}

// New creates a Logger. history may be nil.
func New(dir string, clock clockwork.Clock, history History) *Logger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Logger{dir: dir, clock: clock, history: history}
}

// SummaryPath returns the summary log of a year.
func (l *Logger) SummaryPath(year int) string {
	return filepath.Join(l.dir, fmt.Sprintf("summary-%d.log", year))
}

// TransferPath returns the transfer CSV log.
func (l *Logger) TransferPath() string {
	return filepath.Join(l.dir, "transfers.csv")
}

// Outcome is the result for one file in a run.
type Outcome struct {
	Action string // "deleted", "copied", "moved", ...
	Path   string
	Err    error
}

// Run collects the outcomes of one command invocation.
type Run struct {
	l        *Logger
	ID       string
	Command  string
	Started  time.Time
	Counts   storage.RunCounts
	mu       sync.Mutex
	notes    []string
	outcomes []Outcome
}

// Begin starts a run with a fresh id.
func (l *Logger) Begin(ctx context.Context, command string) (*Run, error) {
	r := &Run{l: l, ID: uuid.NewString(), Command: command, Started: l.clock.Now().UTC()}
	if l.history != nil {
		if err := l.history.StartRun(ctx, r.ID, command, r.Started); err != nil {
			return nil, fmt.Errorf("failed to record run start: %w", err)
		}
	}
	log.WithFields(log.Fields{"run": r.ID, "command": command}).Info("run started")
	return r, nil
}

// Note adds a free-form line to the run summary.
func (r *Run) Note(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

// Record adds a per-file outcome and updates the success/failure counts.
func (r *Run) Record(action, path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, Outcome{Action: action, Path: path, Err: err})
	if err != nil {
		r.Counts.Failed++
	} else {
		r.Counts.Succeeded++
	}
}

// Outcomes returns a copy of the recorded outcomes.
func (r *Run) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

// Transfer appends one row to the transfer log and records the outcome.
func (r *Run) Transfer(action, src, dest string, transferErr error) error {
	r.Record(action, dest, transferErr)
	status := "ok"
	if transferErr != nil {
		status = "failed: " + transferErr.Error()
	}
	row := []string{r.l.clock.Now().UTC().Format(time.RFC3339), action, src, dest, status}
	return r.l.appendTransfers([][]string{row})
}

func (l *Logger) appendTransfers(rows [][]string) error {
	path := l.TransferPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transfer log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(TransferColumns); err != nil {
			return err
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to append transfer log: %w", err)
	}
	return nil
}

// Finish appends the run summary to the yearly log and closes the run in
// the history. runErr is the error that ended the run, if any.
func (r *Run) Finish(ctx context.Context, runErr error) error {
	finished := r.l.clock.Now().UTC()

	r.mu.Lock()
	counts := r.Counts
	var b strings.Builder
	r.writeSummary(&b, finished, runErr)
	r.mu.Unlock()

	path := r.l.SummaryPath(r.Started.Year())
	if err := appendFile(path, b.String()); err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}
	if r.l.history != nil {
		if err := r.l.history.FinishRun(ctx, r.ID, counts, runErr, finished); err != nil {
			return fmt.Errorf("failed to record run end: %w", err)
		}
	}
	log.WithFields(log.Fields{
		"run":       r.ID,
		"total":     counts.Total,
		"succeeded": counts.Succeeded,
		"kept":      counts.Kept,
		"failed":    counts.Failed,
	}).Info("run finished")
	return nil
}

func (r *Run) writeSummary(w io.Writer, finished time.Time, runErr error) {
	fmt.Fprintf(w, "=== %s %s run %s ===\n", r.Started.Format(time.RFC3339), r.Command, r.ID)
	for _, n := range r.notes {
		fmt.Fprintf(w, "  %s\n", n)
	}
	fmt.Fprintf(w, "  total %d, succeeded %d, kept %d, failed %d\n",
		r.Counts.Total, r.Counts.Succeeded, r.Counts.Kept, r.Counts.Failed)
	for _, o := range r.outcomes {
		if o.Err != nil {
			fmt.Fprintf(w, "  FAILED %s %s: %v\n", o.Action, o.Path, o.Err)
		} else {
			fmt.Fprintf(w, "  %s %s\n", o.Action, o.Path)
		}
	}
	status := "ok"
	if runErr != nil {
		status = "error: " + runErr.Error()
	}
	fmt.Fprintf(w, "  finished %s (%s), failures %d, %s\n\n",
		finished.Format(time.RFC3339), finished.Sub(r.Started).Round(time.Second), r.Counts.Failed, status)
}

func appendFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
