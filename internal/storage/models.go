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

package storage

import (
	"time"

	"github.com/uptrace/bun"
)

// Bun ORM models for the mediasweep state database.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// WatermarkModel represents the sync_watermarks table
type WatermarkModel struct {
	bun.BaseModel `bun:"table:sync_watermarks"`

	Folder    string `bun:"folder,pk"`
	LastSync  int64  `bun:"last_sync,notnull"` // Unix nanoseconds
	Files     int64  `bun:"files,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"` // Unix timestamp
}

// Watermark is the last successful sync of one remote folder.
type Watermark struct {
	Folder   string
	LastSync time.Time
	Files    int64
}

// ToWatermark converts a WatermarkModel to a Watermark
func (m *WatermarkModel) ToWatermark() Watermark {
	return Watermark{Folder: m.Folder, LastSync: time.Unix(0, m.LastSync).UTC(), Files: m.Files}
}

// Run statuses
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunFailed  = "failed"
)

// RunModel represents the runs table
type RunModel struct {
	bun.BaseModel `bun:"table:runs"`

	ID         string `bun:"id,pk"`
	Command    string `bun:"command,notnull"`
	StartedAt  int64  `bun:"started_at,notnull"` // Unix timestamp
	FinishedAt int64  `bun:"finished_at,notnull"`
	Status     string `bun:"status,notnull"`
	Total      int64  `bun:"total,notnull"`
	Succeeded  int64  `bun:"succeeded,notnull"`
	Kept       int64  `bun:"kept,notnull"`
	Failed     int64  `bun:"failed,notnull"`
	Error      string `bun:"error,notnull"`
}

// Run is one recorded command run.
type Run struct {
	ID         string
	Command    string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     string
	Counts     RunCounts
	Error      string
}

// RunCounts are the explicit success/failure counts every run ends with.
type RunCounts struct {
	Total     int
	Succeeded int // deleted or transferred
	Kept      int
	Failed    int
}

// ToRun converts a RunModel to a Run
func (m *RunModel) ToRun() Run {
	r := Run{
		ID:        m.ID,
		Command:   m.Command,
		StartedAt: time.Unix(m.StartedAt, 0).UTC(),
		Status:    m.Status,
		Counts: RunCounts{
			Total:     int(m.Total),
			Succeeded: int(m.Succeeded),
			Kept:      int(m.Kept),
			Failed:    int(m.Failed),
		},
		Error: m.Error,
	}
	if m.FinishedAt > 0 {
		r.FinishedAt = time.Unix(m.FinishedAt, 0).UTC()
	}
	return r
}
