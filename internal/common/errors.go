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

import "errors"

// Error taxonomy shared by every package. Callers wrap these with
// fmt.Errorf("...: %w", err) and test them with errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidPath = errors.New("invalid path")

	// ErrIOUnreadable: a file vanished or could not be read while hashing or
	// deleting. Non-fatal, reported per file.
	ErrIOUnreadable = errors.New("file unreadable")

	// ErrPreconditionMissing: required durable state (ledger, cache, config)
	// is absent. The operation must fail closed.
	ErrPreconditionMissing = errors.New("precondition missing")

	// ErrTransportUnavailable: the remote device cannot be reached.
	ErrTransportUnavailable = errors.New("remote transport unavailable")

	// ErrUserDeclined: a confirmation prompt was answered with no.
	ErrUserDeclined = errors.New("declined by user")

	// ErrMalformedRecord: a persisted record failed to parse.
	ErrMalformedRecord = errors.New("malformed record")
)
