package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jp2507-max/canabro-sync/remote"
)

var serveCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "serve",
	Short: "Run the remote sync authority",
	Long: `Serve the push/pull API backed by Postgres. Requires
CANASYNC_DATABASE_URL and CANASYNC_JWT_SECRET.`,
	RunE: runServe,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if AppConfig.DatabaseURL == "" {
		return fmt.Errorf("serve requires CANASYNC_DATABASE_URL")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("serve requires CANASYNC_JWT_SECRET")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	authority, err := remote.OpenAuthority(cmd.Context(), AppConfig.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer authority.Close()

	handlers := remote.NewHandlers(authority, remote.NewTokenAuth(AppConfig.JWTSecret), logger)
	server := &http.Server{
		Addr:              AppConfig.ListenAddr,
		Handler:           handlers.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("sync authority listening", "addr", AppConfig.ListenAddr)
		errc <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-sig:
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	case <-cmd.Context().Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
