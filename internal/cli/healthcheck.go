package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCheckCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "health-check",
	Short: "Run a one-shot health check of the local replica",
	Long: `Check table existence, record counts, and referential integrity.
The exit code is zero only when the replica is healthy.`,
	RunE: runHealthCheck,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	rootCmd.AddCommand(healthCheckCmd)
}

func runHealthCheck(cmd *cobra.Command, _ []string) error {
	a, err := openApp(AppConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.monitor.Check(cmd.Context())
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Health check at %s\n", report.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  tables exist: %v\n", report.TablesExist)
	fmt.Fprintf(out, "  integrity ok: %v\n", report.IntegrityOK)
	for table, count := range report.RecordCounts {
		fmt.Fprintf(out, "  %s: %d records\n", table, count)
	}
	for _, msg := range report.Errors {
		fmt.Fprintf(out, "  error: %s\n", msg)
	}

	if !report.Healthy() {
		return fmt.Errorf("replica is not healthy (%d errors)", len(report.Errors))
	}
	fmt.Fprintln(out, "Replica is healthy.")
	return nil
}
