package cli

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "rollback <backupId>",
	Short: "Restore the local replica from a backup",
	Long: `Restore every table of a backup, tombstones included, discarding all
changes made since it was taken. The rollback requires two interactive
confirmations plus the backup's confirmation token and cannot be
interrupted once it starts.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	backupID := args[0]
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())

	a, err := openApp(AppConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.safety.GenerateRollbackPlan(backupID)
	if err != nil {
		return fmt.Errorf("planning rollback: %w", err)
	}

	fmt.Fprintf(out, "Rollback plan for %s:\n", backupID)
	for i, step := range plan.Steps {
		fmt.Fprintf(out, "  %d. [%s] %s\n", i+1, step.Severity, step.Description)
	}
	fmt.Fprintf(out, "Estimated duration: %s to %s\n", plan.EstimatedMin, plan.EstimatedMax)

	ok, err := confirm(in, out, "Proceed with this rollback?")
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "Rollback cancelled.")
		return nil
	}

	ack, err := confirm(in, out,
		"This DISCARDS every change made since the backup was taken. Acknowledge the data loss?")
	if err != nil {
		return err
	}
	if !ack {
		fmt.Fprintln(out, "Rollback cancelled.")
		return nil
	}

	expected, err := a.safety.ConfirmationToken(backupID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Confirmation token: %s\n", expected)
	token, err := readLine(in, out, "Type the token exactly to continue: ")
	if err != nil {
		return err
	}

	result, err := a.safety.ExecuteRollback(cmd.Context(), backupID, token, ack)
	if err != nil {
		if result != nil && result.LastCompletedStep != "" {
			fmt.Fprintf(out, "Rollback failed. Last completed step: %s\n", result.LastCompletedStep)
		}
		return err
	}

	fmt.Fprintf(out, "Rollback complete: %d steps.\n", result.StepsCompleted)
	if result.HealthFlagged {
		fmt.Fprintln(out, "WARNING: the final health check found problems:")
		for _, msg := range result.Health.Errors {
			fmt.Fprintf(out, "  %s\n", msg)
		}
	}
	return nil
}
