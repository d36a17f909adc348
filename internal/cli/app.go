package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jp2507-max/canabro-sync/health"
	"github.com/jp2507-max/canabro-sync/internal/config"
	"github.com/jp2507-max/canabro-sync/localstore"
	"github.com/jp2507-max/canabro-sync/safety"
	"github.com/jp2507-max/canabro-sync/syncer"
)

// appSchema is the replica schema of the mobile app: plants, their diary
// entries, and their care tasks.
func appSchema() localstore.Schema {
	return localstore.Schema{Tables: []localstore.TableSpec{
		{
			Name: "plants",
			Columns: []localstore.Column{
				{Name: "name", Type: localstore.TypeText},
				{Name: "strain", Type: localstore.TypeText},
				{Name: "stage", Type: localstore.TypeText},
				{Name: "planted_at", Type: localstore.TypeTime},
			},
		},
		{
			Name: "diary_entries",
			Columns: []localstore.Column{
				{Name: "plant_id", Type: localstore.TypeText},
				{Name: "note", Type: localstore.TypeText},
				{Name: "created_at", Type: localstore.TypeTime},
			},
			References: []localstore.Reference{{Column: "plant_id", Parent: "plants"}},
		},
		{
			Name: "care_tasks",
			Columns: []localstore.Column{
				{Name: "plant_id", Type: localstore.TypeText},
				{Name: "kind", Type: localstore.TypeText},
				{Name: "due_at", Type: localstore.TypeTime},
				{Name: "done", Type: localstore.TypeBool},
			},
			References: []localstore.Reference{{Column: "plant_id", Parent: "plants"}},
		},
	}}
}

// app bundles the wired subsystems a command works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *localstore.Store
	monitor *health.Monitor
	safety  *safety.Manager
}

// openApp opens the replica and wires the monitor and safety manager.
// Callers must Close.
func openApp(cfg *config.Config) (*app, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store, err := localstore.Open(cfg.StorePath, appSchema(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening replica %s: %w", cfg.StorePath, err)
	}

	monitor := health.NewMonitor(store, logger)
	manager, err := safety.NewManager(store, monitor, cfg.BackupDir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: store, monitor: monitor, safety: manager}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close replica", "error", err)
	}
}

// engine wires a sync engine against the configured remote.
func (a *app) engine() (*syncer.Engine, error) {
	transport := syncer.NewHTTPTransport(a.cfg.RemoteURL, func(context.Context) (string, error) {
		return a.cfg.ServiceToken, nil
	})
	return syncer.New(a.store, transport, nil, a.logger)
}

// confirm prompts for a y/N answer and accepts only an explicit yes. The
// shared reader keeps type-ahead input intact across consecutive prompts.
func confirm(in *bufio.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// readLine reads one trimmed line from in.
func readLine(in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
