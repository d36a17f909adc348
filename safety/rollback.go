package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/jp2507-max/canabro-sync/health"
	"github.com/jp2507-max/canabro-sync/localstore"
)

// RollbackResult reports the outcome of an executed rollback.
type RollbackResult struct {
	BackupID          string
	State             State
	LastCompletedStep string
	StepsCompleted    int
	Health            *health.Report
	// HealthFlagged is set when the rollback completed but the final health
	// check did not come back healthy; remediation is left to the operator.
	HealthFlagged bool
}

// ExecuteRollback restores the store from backupID. The caller must pass the
// exact token printed for this backup (see ConfirmationToken) and must have
// acknowledged the data-loss implications; otherwise the attempt is rejected
// with ErrConfirmation and zero side effects.
//
// Past the confirmation gate the rollback is not cancellable: interrupting a
// multi-step data restoration costs more than letting it finish, so ctx is
// consulted only before the gate. Steps run strictly in order; the first
// failure halts the sequence in StateRollbackFailed with the last completed
// step recorded for diagnosis.
func (m *Manager) ExecuteRollback(ctx context.Context, backupID, token string, ackDataLoss bool) (*RollbackResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.state = StateRollbackConfirming
	m.mu.Unlock()

	backup, err := m.LoadBackup(backupID)
	if err != nil {
		m.setState(StateIdle)
		return nil, err
	}

	if !ackDataLoss {
		m.setState(StateIdle)
		return nil, fmt.Errorf("%w: data-loss implications not acknowledged", ErrConfirmation)
	}
	expected, err := m.ConfirmationToken(backupID)
	if err != nil {
		m.setState(StateIdle)
		return nil, err
	}
	if token != expected {
		m.setState(StateIdle)
		return nil, fmt.Errorf("%w: token does not match backup %s", ErrConfirmation, backupID)
	}

	m.setState(StateRollbackExecuting)
	m.logger.Info("rollback started", "backup", backupID, "tables", backup.Tables)

	// The irreversibility boundary: from here on the original context no
	// longer cancels anything.
	run := context.WithoutCancel(ctx)

	result := &RollbackResult{BackupID: backupID, State: StateRollbackExecuting}
	steps := planSteps(backup.Tables)
	execs := []func(context.Context, *Backup) error{
		m.stepSnapshot,
		m.stepDisableConstraints,
		m.stepClearTables,
		m.stepRestoreStructures,
		m.stepRestoreRows,
		m.stepEnableConstraints,
		nil, // final health check handled below
	}

	for i, step := range steps {
		if execs[i] == nil {
			continue
		}
		if err := execs[i](run, backup); err != nil {
			m.setState(StateRollbackFailed)
			result.State = StateRollbackFailed
			m.logger.Error("rollback step failed",
				"backup", backupID, "step", step.Description, "last_completed", result.LastCompletedStep, "error", err)
			return result, fmt.Errorf("rollback halted at %q (last completed: %q): %w",
				step.Description, result.LastCompletedStep, err)
		}
		result.LastCompletedStep = step.Description
		result.StepsCompleted++
		m.logger.Info("rollback step completed", "backup", backupID, "step", step.Description)
	}

	report := m.monitor.Check(run)
	result.Health = &report
	result.LastCompletedStep = steps[len(steps)-1].Description
	result.StepsCompleted++
	result.HealthFlagged = !report.Healthy()
	result.State = StateRollbackComplete
	m.setState(StateRollbackComplete)

	if result.HealthFlagged {
		m.logger.Warn("rollback complete but store is not healthy", "backup", backupID, "errors", report.Errors)
	} else {
		m.logger.Info("rollback complete", "backup", backupID)
	}
	return result, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// stepSnapshot backs up the current (possibly broken) state so even a
// rollback can be rolled back.
func (m *Manager) stepSnapshot(ctx context.Context, backup *Backup) error {
	_, err := m.dumpTables(ctx, "pre-rollback-"+backup.MigrationName, time.Now().UTC())
	return err
}

func (m *Manager) stepDisableConstraints(ctx context.Context, _ *Backup) error {
	_, err := m.store.DB().ExecContext(ctx, `PRAGMA foreign_keys=OFF`)
	return err
}

func (m *Manager) stepEnableConstraints(ctx context.Context, _ *Backup) error {
	_, err := m.store.DB().ExecContext(ctx, `PRAGMA foreign_keys=ON`)
	return err
}

// stepClearTables empties every backed-up table that still exists, children
// before parents, along with their sync bookkeeping: the restored rows will
// carry their original change metadata and the replica re-converges with the
// remote on the next full pull.
func (m *Manager) stepClearTables(ctx context.Context, backup *Backup) error {
	order, err := m.store.Schema().DependencyOrder()
	if err != nil {
		return err
	}
	backed := map[string]bool{}
	for _, t := range backup.Tables {
		backed[t] = true
	}

	tx, err := m.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer tx.Rollback()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if !backed[name] {
			continue
		}
		// The store runs on a single connection, which this transaction is
		// holding; the existence check must go through the transaction or it
		// would wait on that connection forever.
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", name, err)
		}
		if count == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, name)); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_dirty WHERE table_name = ?`, name); err != nil {
			return fmt.Errorf("failed to clear dirty marks for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_cursor WHERE table_name = ?`, name); err != nil {
			return fmt.Errorf("failed to reset cursor for %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// stepRestoreStructures recreates any backed-up table the migration dropped,
// using the schema the store was opened with.
func (m *Manager) stepRestoreStructures(ctx context.Context, backup *Backup) error {
	for _, name := range backup.Tables {
		exists, err := m.tableExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		spec, ok := m.store.Schema().Table(name)
		if !ok {
			return fmt.Errorf("backed-up table %s is not in the current schema", name)
		}
		if _, err := m.store.DB().ExecContext(ctx, spec.CreateTableSQL()); err != nil {
			return fmt.Errorf("failed to recreate table %s: %w", name, err)
		}
		m.logger.Info("recreated dropped table", "table", name)
	}
	return nil
}

// stepRestoreRows reloads every backed-up row, tombstones included, with its
// original change metadata. The restore goes through the store's remote-apply
// path: field values are re-typed against the schema, timestamps land exactly
// as backed up, and no dirty marks are queued. Since the cursors were reset
// in the clear step, the next pull re-converges the replica with the remote.
func (m *Manager) stepRestoreRows(ctx context.Context, backup *Backup) error {
	return m.store.ApplyRemote(ctx, func(tx *localstore.Tx) error {
		for _, name := range backup.Tables {
			rows, err := m.loadRows(backup.ID, name)
			if err != nil {
				return err
			}
			for _, row := range rows {
				rec := localstore.Record{
					Table:     name,
					ID:        row.ID,
					Fields:    row.Fields,
					UpdatedAt: row.UpdatedAt,
					DeletedAt: row.DeletedAt,
				}
				if err := tx.Put(rec); err != nil {
					return fmt.Errorf("failed to restore %s.%s: %w", name, row.ID, err)
				}
			}
			m.logger.Info("restored table rows", "table", name, "rows", len(rows))
		}
		return nil
	})
}
