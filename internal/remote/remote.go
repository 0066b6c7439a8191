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

// Package remote holds the thin adapters to the remote device: a
// connectivity probe, listing over ssh, bulk transfer with rsync, remote
// deletion and the interactive confirmation prompt.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mediasweep/internal/common"
	"mediasweep/internal/util"
)

// sshConnectionFailure is the exit status ssh uses for its own errors.
const sshConnectionFailure = 255

// Config describes how to reach the device.
type Config struct {
	Host           string
	Port           int
	User           string
	Root           string // remote media root, e.g. /sdcard/DCIM
	IdentityFile   string
	ConnectTimeout time.Duration
	SSHCommand     string
	RsyncCommand   string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SSHCommand == "" {
		c.SSHCommand = "ssh"
	}
	if c.RsyncCommand == "" {
		c.RsyncCommand = "rsync"
	}
	return c
}

// Validate checks the fields needed to reach the device.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("remote host is not configured: %w", common.ErrPreconditionMissing)
	}
	if c.Root == "" || !strings.HasPrefix(c.Root, "/") {
		return fmt.Errorf("remote root %q must be an absolute path: %w", c.Root, common.ErrInvalidPath)
	}
	return nil
}

// Address returns host:port for dialing.
func (c Config) Address() string {
	c = c.withDefaults()
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func (c Config) destination() string {
	if c.User == "" {
		return c.Host
	}
	return c.User + "@" + c.Host
}

// sshOptions are the ssh flags shared by direct ssh calls and rsync's -e.
func (c Config) sshOptions() []string {
	c = c.withDefaults()
	opts := []string{
		"-p", strconv.Itoa(c.Port),
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(c.ConnectTimeout.Seconds()+0.5)),
	}
	if c.IdentityFile != "" {
		opts = append(opts, "-i", c.IdentityFile)
	}
	return opts
}

// Runner executes an external command. util.RunCommand is the production
// implementation; tests substitute fakes.
type Runner func(ctx context.Context, cfg util.CommandConfig, name string, args ...string) ([]byte, error)

// ssh runs a remote shell command assembled from quoted words.
func ssh(ctx context.Context, run Runner, c Config, words ...string) ([]byte, error) {
	c = c.withDefaults()
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	args := append(c.sshOptions(), c.destination(), strings.Join(quoted, " "))
	out, err := run(ctx, util.CommandConfig{}, c.SSHCommand, args...)
	return out, classify(err)
}

// classify maps ssh's own failures to common.ErrTransportUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var cerr *util.CommandError
	if errors.As(err, &cerr) && cerr.ExitCode == sshConnectionFailure {
		return fmt.Errorf("%w: %w", common.ErrTransportUnavailable, err)
	}
	return err
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=@%+:,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
