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

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mediasweep/internal/config"
	"mediasweep/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// settings loaded by the root command before any subcommand runs
var (
	settings  *config.Settings
	logCloser io.Closer
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "mediasweep",
	Short: "Reclaim device storage by deleting files already safe in the archive",
	Long: `mediasweep stages photos and videos from a device, keeps a provenance
ledger of the archive, and deletes source copies only when identical content
is provably present in the archive.

Typical cycle:
  mediasweep sync            # copy new media from the device to staging
  (sort staged files into the archive)
  mediasweep refresh-ledger  # record what the archive now holds
  mediasweep sweep --remote  # delete staged and device copies already archived`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		loaded, err := config.LoadSettings()
		if err != nil {
			return err
		}
		settings = loaded
		storage.SetConfigBusyTimeout(settings.DBBusyTimeout)

		closer, err := config.SetupLogging(settings.NormalizedLogLevel())
		if err != nil {
			// Don't fail - logging is not required to do the work
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			return nil
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
			logCloser = nil
		}
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("mediasweep version {{.Version}}\n")
}

// Execute runs the root command. Interrupts cancel the command context;
// deletions already under way still finish.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
