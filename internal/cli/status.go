package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "status",
	Short: "Show backups and current replica health",
	RunE:  runStatus,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp(AppConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	out := cmd.OutOrStdout()

	backups, err := a.safety.ListBackups()
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}
	if len(backups) == 0 {
		fmt.Fprintln(out, "No backups.")
	} else {
		fmt.Fprintf(out, "Backups (%d, newest first):\n", len(backups))
		for _, backup := range backups {
			total := 0
			for _, n := range backup.RecordCounts {
				total += n
			}
			fmt.Fprintf(out, "  %s  %s  %d records, %d bytes\n",
				backup.ID, backup.CreatedAt.Format("2006-01-02 15:04:05"), total, backup.SizeBytes)
		}
	}

	report := a.monitor.Check(cmd.Context())
	status := "healthy"
	if !report.Healthy() {
		status = "UNHEALTHY"
	}
	fmt.Fprintf(out, "Replica: %s\n", status)
	for table, count := range report.RecordCounts {
		fmt.Fprintf(out, "  %s: %d records\n", table, count)
	}
	for _, msg := range report.Errors {
		fmt.Fprintf(out, "  error: %s\n", msg)
	}
	return nil
}
