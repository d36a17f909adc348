package cli

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "backup <migrationName>",
	Short: "Create a pre-migration backup of the local replica",
	Long: `Snapshot every replica table into a new backup, run a health check,
and print the backup id. Run this before every destructive migration.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackup,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	backupCmd.Flags().Bool("yes", false, "skip the interactive confirmation")
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	migrationName := args[0]
	out := cmd.OutOrStdout()

	if skip, _ := cmd.Flags().GetBool("yes"); !skip {
		ok, err := confirm(bufio.NewReader(cmd.InOrStdin()), out,
			fmt.Sprintf("Create a backup of %s for migration %q?", AppConfig.StorePath, migrationName))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Backup cancelled.")
			return nil
		}
	}

	a, err := openApp(AppConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	backup, err := a.safety.CreateBackup(cmd.Context(), migrationName)
	if err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	fmt.Fprintf(out, "Backup created: %s\n", backup.ID)
	fmt.Fprintf(out, "  tables:  %d\n", len(backup.Tables))
	for _, table := range backup.Tables {
		fmt.Fprintf(out, "    %s: %d records\n", table, backup.RecordCounts[table])
	}
	fmt.Fprintf(out, "  size:    %d bytes\n", backup.SizeBytes)
	if backup.Health != nil && !backup.Health.Healthy() {
		fmt.Fprintln(out, "  WARNING: the store was not healthy at backup time")
		for _, msg := range backup.Health.Errors {
			fmt.Fprintf(out, "    %s\n", msg)
		}
	}

	if removed, err := a.safety.CleanupRetention(AppConfig.RetainBackups); err != nil {
		a.logger.Warn("retention cleanup failed", "error", err)
	} else if len(removed) > 0 {
		fmt.Fprintf(out, "Removed %d expired backups.\n", len(removed))
	}
	return nil
}
