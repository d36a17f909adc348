package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jp2507-max/canabro-sync/remote"
)

var tokenCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "token <userId>",
	Short: "Mint a service token for one replica device",
	Long: `Sign a service token for the given user against the authority's
shared secret. Each invocation mints a fresh device id unless one is
given, so every replica gets its own identity.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	tokenCmd.Flags().String("secret", "", "authority signing secret (required)")
	tokenCmd.Flags().String("device", "", "device id (default: freshly generated)")
	tokenCmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("secret")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("secret")
	deviceID, _ := cmd.Flags().GetString("device")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	token, err := remote.NewTokenAuth(secret).GenerateToken(args[0], deviceID, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "device: %s\n", deviceID)
	fmt.Fprintf(out, "token:  %s\n", token)
	return nil
}
