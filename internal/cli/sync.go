package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "sync",
	Short: "Run one sync cycle against the remote authority",
	Long: `Push pending local changes and pull remote changes for every table,
then print a summary. Conflicted records stay pending for the next run.`,
	RunE: runSync,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	a, err := openApp(AppConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.engine()
	if err != nil {
		return err
	}

	summary, err := engine.SyncNow(cmd.Context())
	out := cmd.OutOrStdout()
	if summary != nil {
		fmt.Fprintf(out, "Sync finished in %s\n", summary.FinishedAt.Sub(summary.StartedAt).Round(0))
		fmt.Fprintf(out, "  pushed:    %d\n", summary.Pushed)
		fmt.Fprintf(out, "  applied:   %d\n", summary.Applied)
		fmt.Fprintf(out, "  conflicts: %d\n", summary.Conflicts)
	}
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}
