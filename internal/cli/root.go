// Package cli implements the canasync operator commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jp2507-max/canabro-sync/internal/config"
)

const version = "0.1.0"

// AppConfig holds the loaded configuration, set during PersistentPreRunE.
var AppConfig *config.Config //nolint:gochecknoglobals // standard Cobra pattern for shared config

// rootCmd is the base command for the canasync CLI.
var rootCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:     "canasync",
	Version: version,
	Short:   "Offline-first sync and migration-safety operator tool",
	Long: `canasync manages the local data replica of the mobile app: it syncs
the replica against the remote authority, takes pre-migration backups,
checks store health, and executes confirmation-gated rollbacks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd)
	},
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	rootCmd.PersistentFlags().String("config", "", "path to configuration file")
	rootCmd.PersistentFlags().String("store", "", "path to the local replica database")
	rootCmd.PersistentFlags().String("backup-dir", "", "directory holding backups")
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration with precedence: flag > env > file. The
// remote endpoint and service credential are validated here, before any
// command touches the store.
func loadConfig(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if cmd.Flags().Changed("store") {
		cfg.StorePath, _ = cmd.Flags().GetString("store")
	}
	if cmd.Flags().Changed("backup-dir") {
		cfg.BackupDir, _ = cmd.Flags().GetString("backup-dir")
	}

	AppConfig = cfg
	return nil
}
