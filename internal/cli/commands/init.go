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
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"mediasweep/internal/config"
)

var (
	initArchive string
	initStaging string
	initHost    string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the mediasweep config directory",
	Long: `Initialize the mediasweep config directory (~/.mediasweep, or
$MEDIASWEEP_CONFIG_DIR) with a default settings.yaml.

An existing settings file is never overwritten; the flags update the
corresponding keys in place.

Examples:
  mediasweep init --archive ~/Pictures/archive --staging ~/Pictures/staging
  mediasweep init --host phone.lan`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(cmd.OutOrStdout())
	},
}

func init() {
	initCmd.Flags().StringVar(&initArchive, "archive", "", "Archive root to record in settings")
	initCmd.Flags().StringVar(&initStaging, "staging", "", "Staging root to record in settings")
	initCmd.Flags().StringVar(&initHost, "host", "", "Device host name or address")
	rootCmd.AddCommand(initCmd)
}

func runInit(w io.Writer) error {
	created, err := config.InitConfigDir()
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "Initialized mediasweep in %s\n", config.ConfigDir())
	} else {
		fmt.Fprintf(w, "Reinitialized existing mediasweep config in %s\n", config.ConfigDir())
	}

	if initArchive == "" && initStaging == "" && initHost == "" {
		return nil
	}
	s, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if initArchive != "" {
		if s.ArchiveRoot, err = filepath.Abs(initArchive); err != nil {
			return fmt.Errorf("failed to resolve archive root: %w", err)
		}
	}
	if initStaging != "" {
		if s.StagingRoot, err = filepath.Abs(initStaging); err != nil {
			return fmt.Errorf("failed to resolve staging root: %w", err)
		}
	}
	if initHost != "" {
		s.Remote.Host = initHost
	}
	if err := config.SaveSettings(s); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintf(w, "  updated %s\n", config.SettingsPath())
	return nil
}
