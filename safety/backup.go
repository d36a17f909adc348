// Package safety provides the migration-safety machinery: pre-migration
// backups of the local replica, deterministic rollback plans, and
// confirmation-gated rollback execution.
package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jp2507-max/canabro-sync/health"
	"github.com/jp2507-max/canabro-sync/localstore"
)

// ErrConfirmation is returned when a rollback attempt fails its confirmation
// gate: wrong token, or missing data-loss acknowledgement. The attempt has
// zero side effects.
var ErrConfirmation = errors.New("safety: rollback confirmation rejected")

// ErrBackupNotFound is returned when no backup exists for the given id.
var ErrBackupNotFound = errors.New("safety: backup not found")

// State tracks one migration attempt through the safety state machine.
type State string

const (
	StateIdle                    State = "idle"
	StateBackupInProgress        State = "backup_in_progress"
	StateBackupComplete          State = "backup_complete"
	StateHealthyAfterMigration   State = "healthy_after_migration"
	StateUnhealthyAfterMigration State = "unhealthy_after_migration"
	StateRollbackPlanned         State = "rollback_planned"
	StateRollbackConfirming      State = "rollback_confirming"
	StateRollbackExecuting       State = "rollback_executing"
	StateRollbackComplete        State = "rollback_complete"
	StateRollbackFailed          State = "rollback_failed"
)

// Backup is the immutable metadata of one pre-migration backup. The row data
// lives next to the manifest, one JSON file per table.
type Backup struct {
	ID            string            `json:"id"`
	CreatedAt     time.Time         `json:"created_at"`
	MigrationName string            `json:"migration_name"`
	Tables        []string          `json:"tables"`
	RecordCounts  map[string]int    `json:"record_counts"`
	Checksums     map[string]string `json:"checksums"`
	SizeBytes     int64             `json:"size_bytes"`
	Health        *health.Report    `json:"health,omitempty"`
}

// backupRow is the serialized form of one record. The schema's typed columns
// make restore a typed operation: fields are normalized back through the
// column types on load.
type backupRow struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt int64          `json:"updated_at_ms"`
	DeletedAt *int64         `json:"deleted_at_ms,omitempty"`
}

// Manager orchestrates backups and rollbacks for one store. Operations are
// serialized; the state machine reflects the most recent migration attempt.
type Manager struct {
	store   *localstore.Store
	monitor *health.Monitor
	dir     string
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// NewManager builds a manager writing backups under dir.
func NewManager(store *localstore.Store, monitor *health.Monitor, dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Manager{store: store, monitor: monitor, dir: dir, logger: logger, state: StateIdle}, nil
}

// State returns the current state of the migration attempt.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RecordMigrationOutcome transitions the state machine after the external
// migration ran, based on a fresh health check.
func (m *Manager) RecordMigrationOutcome(ctx context.Context) health.Report {
	report := m.monitor.Check(ctx)
	m.mu.Lock()
	if report.Healthy() {
		m.state = StateHealthyAfterMigration
	} else {
		m.state = StateUnhealthyAfterMigration
	}
	m.mu.Unlock()
	return report
}

// CreateBackup snapshots every schema table into a new backup under the
// manager's directory and runs a health check that is stored with the
// manifest. A table missing from the database is skipped: optional tables
// are expected to be absent sometimes and that is not an error.
func (m *Manager) CreateBackup(ctx context.Context, migrationName string) (*Backup, error) {
	m.mu.Lock()
	m.state = StateBackupInProgress
	m.mu.Unlock()

	backup, err := m.dumpTables(ctx, migrationName, time.Now().UTC())
	m.mu.Lock()
	if err != nil {
		m.state = StateIdle
	} else {
		m.state = StateBackupComplete
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info("backup created",
		"id", backup.ID, "migration", migrationName,
		"tables", len(backup.Tables), "size_bytes", backup.SizeBytes)
	return backup, nil
}

// dumpTables writes the backup artifact. It is shared with the rollback's
// snapshot step, which backs up the current (possibly broken) state before
// touching anything.
func (m *Manager) dumpTables(ctx context.Context, migrationName string, createdAt time.Time) (*Backup, error) {
	backup := &Backup{
		ID:            backupID(migrationName, createdAt),
		CreatedAt:     createdAt,
		MigrationName: migrationName,
		RecordCounts:  map[string]int{},
		Checksums:     map[string]string{},
	}

	dir := filepath.Join(m.dir, backup.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	for _, name := range m.store.Schema().TableNames() {
		exists, err := m.tableExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to check table %s: %w", name, err)
		}
		if !exists {
			m.logger.Warn("skipping absent table", "table", name)
			continue
		}

		records, err := m.store.Query(ctx, name, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read table %s: %w", name, err)
		}

		rows := make([]backupRow, len(records))
		for i, rec := range records {
			rows[i] = backupRow{ID: rec.ID, Fields: rec.Fields, UpdatedAt: rec.UpdatedAt, DeletedAt: rec.DeletedAt}
		}

		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to serialize table %s: %w", name, err)
		}

		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write table %s: %w", name, err)
		}

		sum := sha256.Sum256(data)
		backup.Tables = append(backup.Tables, name)
		backup.RecordCounts[name] = len(rows)
		backup.Checksums[name] = hex.EncodeToString(sum[:])
		backup.SizeBytes += int64(len(data))
	}

	if m.monitor != nil {
		report := m.monitor.Check(ctx)
		backup.Health = &report
	}

	manifest, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifest, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return backup, nil
}

// LoadBackup reads the manifest for id.
func (m *Manager) LoadBackup(id string) (*Backup, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id, "manifest.json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s: %w", id, err)
	}
	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", id, err)
	}
	return &backup, nil
}

// loadRows reads and type-normalizes the rows of one backed-up table.
func (m *Manager) loadRows(id, table string) ([]backupRow, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id, table+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup rows for %s.%s: %w", id, table, err)
	}
	var rows []backupRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse backup rows for %s.%s: %w", id, table, err)
	}
	return rows, nil
}

func (m *Manager) tableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := m.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// backupID derives the artifact id from the migration name and creation
// time, so ids sort chronologically per migration.
func backupID(migrationName string, createdAt time.Time) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, migrationName)
	return fmt.Sprintf("%s-%s", name, createdAt.Format("20060102T150405.000Z"))
}
