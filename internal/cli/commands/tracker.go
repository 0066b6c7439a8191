package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mediasweep/internal/config"
	"mediasweep/internal/tracker"
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Maintain the copy log",
}

var trackerCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the copy log with one line per staged file",
	Long: `Rewrite the copy log keeping only the latest modification time recorded
for each staged path. Lookups and skip decisions are unaffected.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := config.AcquireRunLock()
		if err != nil {
			return err
		}
		defer lock.Release()
		return compactTracker(cmd.OutOrStdout())
	},
}

func init() {
	trackerCmd.AddCommand(trackerCompactCmd)
	rootCmd.AddCommand(trackerCmd)
}

func compactTracker(w io.Writer) error {
	tr, err := tracker.Open(config.TrackerPath(), settings.StagingRoot, nil)
	if err != nil {
		return err
	}
	removed, err := tr.Compact()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Compacted %s: %d lines removed, %d kept\n", tr.Path(), removed, tr.Len())
	return nil
}
