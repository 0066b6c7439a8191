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

// Package cache provides the content digest store used by every scan.
//
// A DigestStore belongs to exactly one population root (the archive, the
// staging folder, ...). It maps a file's identity key (path, modification
// time, size) to a previously computed digest so unchanged files are never
// re-read. Stores are loaded once per run and replaced atomically on Save.
package cache

import "os"

// Disabled forces every lookup to miss and re-hash the file.
// Set via MEDIASWEEP_CACHE=0 environment variable.
//
// This is useful to verify a ledger against freshly computed digests and to
// isolate cache-related bugs.
var Disabled = os.Getenv("MEDIASWEEP_CACHE") == "0"
