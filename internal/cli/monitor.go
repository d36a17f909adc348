package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jp2507-max/canabro-sync/health"
)

var monitorCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "monitor [intervalMinutes]",
	Short: "Continuously monitor replica health",
	Long: `Run a health check every intervalMinutes (default 5) until
interrupted. Each report is printed as it is produced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	interval := AppConfig.MonitorInterval
	if len(args) == 1 {
		minutes, err := strconv.Atoi(args[0])
		if err != nil || minutes < 1 {
			return fmt.Errorf("intervalMinutes must be a positive integer, got %q", args[0])
		}
		interval = time.Duration(minutes) * time.Minute
	}

	a, err := openApp(AppConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Monitoring every %s. Press Ctrl-C to stop.\n", interval)

	stop := a.monitor.StartMonitoring(cmd.Context(), interval, func(report health.Report) {
		status := "healthy"
		if !report.Healthy() {
			status = "UNHEALTHY"
		}
		fmt.Fprintf(out, "[%s] %s tables=%v integrity=%v\n",
			report.Timestamp.Format("15:04:05"), status, report.TablesExist, report.IntegrityOK)
		for _, msg := range report.Errors {
			fmt.Fprintf(out, "  error: %s\n", msg)
		}
	})
	defer stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-cmd.Context().Done():
	}
	fmt.Fprintln(out, "Stopping monitor.")
	return nil
}
