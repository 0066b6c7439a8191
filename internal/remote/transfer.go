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
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"mediasweep/internal/common"
	"mediasweep/internal/util"
)

// Mode selects whether transferred files stay on the device.
type Mode string

const (
	ModeCopy Mode = "copy"
	ModeMove Mode = "move"
)

// ParseMode parses a transfer mode; empty means copy.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeCopy:
		return ModeCopy, nil
	case ModeMove:
		return ModeMove, nil
	}
	return "", fmt.Errorf("unknown transfer mode %q (want copy or move)", s)
}

// Transferred is one file now present in the staging root.
type Transferred struct {
	RemoteFile
	Local string
}

// Transferrer moves files from the device with rsync over ssh.
type Transferrer struct {
	cfg Config
	run Runner
}

// NewTransferrer creates a transferrer. run may be nil for util.RunCommand.
func NewTransferrer(cfg Config, run Runner) *Transferrer {
	if run == nil {
		run = util.RunCommand
	}
	return &Transferrer{cfg: cfg, run: run}
}

// Transfer fetches files (relative to remoteRoot) into localRoot,
// preserving relative paths and modification times. In move mode rsync
// removes each source file once it is safely transferred. It returns the
// files rsync reported as transferred; on error the partial list is
// returned alongside it.
func (t *Transferrer) Transfer(ctx context.Context, remoteRoot, localRoot string, mode Mode, files []RemoteFile) ([]Transferred, error) {
	if len(files) == 0 {
		return nil, nil
	}
	cfg := t.cfg.withDefaults()

	byRel := make(map[string]RemoteFile, len(files))
	var list strings.Builder
	for _, f := range files {
		if strings.ContainsAny(f.Rel, "\n\r") {
			log.WithField("path", f.Path).Warn("skipping remote file with newline in name")
			continue
		}
		byRel[f.Rel] = f
		list.WriteString(f.Rel)
		list.WriteByte('\n')
	}

	rsh := make([]string, 0, 8)
	rsh = append(rsh, shellQuote(cfg.SSHCommand))
	for _, o := range cfg.sshOptions() {
		rsh = append(rsh, shellQuote(o))
	}
	args := []string{
		"--archive",
		"--protect-args",
		"--files-from=-",
		"--out-format=%n",
		"-e", strings.Join(rsh, " "),
	}
	if mode == ModeMove {
		args = append(args, "--remove-source-files")
	}
	args = append(args,
		cfg.destination()+":"+strings.TrimSuffix(remoteRoot, "/")+"/",
		strings.TrimSuffix(localRoot, string(filepath.Separator))+string(filepath.Separator),
	)

	out, err := t.run(ctx, util.CommandConfig{Stdin: strings.NewReader(list.String())}, cfg.RsyncCommand, args...)
	done := parseTransferred(out, localRoot, byRel)
	log.WithFields(log.Fields{"mode": mode, "requested": len(files), "transferred": len(done)}).Info("transfer finished")
	if err != nil {
		return done, fmt.Errorf("rsync from %s: %w", cfg.Host, classifyRsync(err))
	}
	return done, nil
}

func parseTransferred(out []byte, localRoot string, byRel map[string]RemoteFile) []Transferred {
	var done []Transferred
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		rel := common.NormalizePath(scanner.Text())
		f, ok := byRel[rel]
		if !ok {
			// directories and rsync chatter
			continue
		}
		done = append(done, Transferred{RemoteFile: f, Local: common.JoinUnder(localRoot, rel, string(filepath.Separator))})
	}
	return done
}

// rsync exit codes for connection trouble.
var rsyncTransportCodes = map[int]bool{10: true, 12: true, 30: true, 35: true, 255: true}

func classifyRsync(err error) error {
	var cerr *util.CommandError
	if errors.As(err, &cerr) && rsyncTransportCodes[cerr.ExitCode] {
		return fmt.Errorf("%w: %w", common.ErrTransportUnavailable, err)
	}
	return err
}
