package localstore

import (
	"context"
	"database/sql"
	"fmt"
)

// MarkKind classifies a dirty mark.
type MarkKind string

const (
	MarkCreated MarkKind = "created"
	MarkUpdated MarkKind = "updated"
	MarkDeleted MarkKind = "deleted"
)

// DirtyMark records that a row changed locally and has not yet been
// acknowledged by the remote authority. The set is coalesced: at most one
// mark per (table, id) at any time.
type DirtyMark struct {
	Table string
	ID    string
	Kind  MarkKind
}

// Tracker is the change-tracking view of a store. It is layered on the same
// database, so marks queued inside a Write transaction commit or roll back
// together with the mutation that caused them.
type Tracker struct {
	store *Store
}

// Tracker returns the change tracker for the store.
func (s *Store) Tracker() *Tracker { return &Tracker{store: s} }

// markDirtyTx coalesces a mark into the dirty set. Supersede rules:
//
//   - deleted replaces anything: the remote only ever needs to see the
//     deletion
//   - an update on a row whose creation was never pushed stays created
//   - a re-create after an unpushed deletion becomes updated, because the
//     remote may still hold the previous version of the row
func markDirtyTx(ctx context.Context, tx *sql.Tx, table, id string, kind MarkKind) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_dirty (table_name, id, kind) VALUES (?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			kind = CASE
				WHEN excluded.kind = 'deleted' THEN 'deleted'
				WHEN _sync_dirty.kind = 'created' AND excluded.kind = 'updated' THEN 'created'
				WHEN _sync_dirty.kind = 'deleted' THEN 'updated'
				ELSE excluded.kind
			END,
			marked_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, table, id, string(kind))
	if err != nil {
		return fmt.Errorf("failed to mark %s.%s dirty: %w", table, id, err)
	}
	return nil
}

// MarkDirty records a local change outside of a Write transaction. The write
// path marks rows itself; this entry point exists for callers that mutate
// through raw SQL (restores, repairs) and must keep sync bookkeeping honest.
func (tr *Tracker) MarkDirty(ctx context.Context, table, id string, kind MarkKind) error {
	tr.store.writeMu.Lock()
	defer tr.store.writeMu.Unlock()

	tx, err := tr.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := markDirtyTx(ctx, tx, table, id, kind); err != nil {
		return err
	}
	return tx.Commit()
}

// DrainDirty atomically returns and clears the dirty set for a table. The
// caller owns the returned marks: if the push they feed fails, the caller
// must hand them back via Requeue or they are lost.
func (tr *Tracker) DrainDirty(ctx context.Context, table string) ([]DirtyMark, error) {
	tr.store.writeMu.Lock()
	defer tr.store.writeMu.Unlock()

	tx, err := tr.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT table_name, id, kind FROM _sync_dirty
		WHERE table_name = ? ORDER BY marked_at, id
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty marks: %w", err)
	}

	var marks []DirtyMark
	for rows.Next() {
		var m DirtyMark
		var kind string
		if err := rows.Scan(&m.Table, &m.ID, &kind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dirty mark: %w", err)
		}
		m.Kind = MarkKind(kind)
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating dirty marks: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_dirty WHERE table_name = ?`, table); err != nil {
		return nil, fmt.Errorf("failed to clear dirty marks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return marks, nil
}

// Requeue puts drained marks back after a failed or rejected push. A mark
// queued for the same row since the drain wins: it already reflects a newer
// local state than the one the failed push carried, so exactly one mark per
// row survives.
func (tr *Tracker) Requeue(ctx context.Context, marks []DirtyMark) error {
	if len(marks) == 0 {
		return nil
	}
	tr.store.writeMu.Lock()
	defer tr.store.writeMu.Unlock()

	tx, err := tr.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range marks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_dirty (table_name, id, kind) VALUES (?, ?, ?)
			ON CONFLICT(table_name, id) DO NOTHING
		`, m.Table, m.ID, string(m.Kind))
		if err != nil {
			return fmt.Errorf("failed to requeue mark for %s.%s: %w", m.Table, m.ID, err)
		}
	}
	return tx.Commit()
}

// DirtyCount reports the number of pending marks for a table.
func (tr *Tracker) DirtyCount(ctx context.Context, table string) (int, error) {
	var n int
	err := tr.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_dirty WHERE table_name = ?`, table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty marks: %w", err)
	}
	return n, nil
}
