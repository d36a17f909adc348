// Package localstore implements the durable local replica: typed tables of
// records with change metadata, scoped write transactions, per-record dirty
// bookkeeping for the sync engine, and post-commit change notifications for
// the UI layer.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get when no record exists for (table, id).
var ErrNotFound = errors.New("localstore: record not found")

// ErrUnknownTable is returned when a table name is not part of the schema.
var ErrUnknownTable = errors.New("localstore: unknown table")

// Store is the local replica. It is constructed explicitly and passed by
// reference to the sync engine, health monitor, and migration safety manager;
// there is no ambient global instance.
//
// Writers are serialized per store (writeMu); readers see a consistent
// snapshot as of statement start courtesy of SQLite WAL mode.
type Store struct {
	db     *sql.DB
	schema Schema
	logger *slog.Logger

	writeMu sync.Mutex
	subs    *subscriptions

	// now is the clock used to stamp UpdatedAt; tests override it to get
	// deterministic timestamps.
	now func() int64
}

// Open opens (creating if needed) the replica at path and ensures the schema
// plus sync metadata tables exist. Use ":memory:" for tests.
func Open(path string, schema Schema, logger *slog.Logger) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and matches the
	// single-writer discipline.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		schema: schema,
		logger: logger,
		subs:   newSubscriptions(logger),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Schema returns the schema the store was opened with.
func (s *Store) Schema() Schema { return s.schema }

// DB exposes the underlying handle for components that need raw read access
// (health checks, backup serialization). Mutations must go through Write.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error {
	s.subs.closeAll()
	return s.db.Close()
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	meta := []string{
		// Coalesced dirty set, one row per (table, id).
		`CREATE TABLE IF NOT EXISTS _sync_dirty (
			table_name TEXT NOT NULL,
			id         TEXT NOT NULL,
			kind       TEXT NOT NULL CHECK (kind IN ('created','updated','deleted')),
			marked_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (table_name, id)
		)`,
		// Per-table pull watermark, owned by the sync engine.
		`CREATE TABLE IF NOT EXISTS _sync_cursor (
			table_name        TEXT PRIMARY KEY,
			last_pulled_at_ms INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range meta {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create sync metadata table: %w", err)
		}
	}

	order, err := s.schema.DependencyOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		spec, _ := s.schema.Table(name)
		if _, err := s.db.Exec(spec.CreateTableSQL()); err != nil {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}
	}
	return nil
}

// Get returns the record for (table, id), tombstones included.
func (s *Store) Get(ctx context.Context, table, id string) (Record, error) {
	spec, ok := s.schema.Table(table)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return scanOne(ctx, s.db, spec, id)
}

// Query returns every record of table matching pred, in id order. The result
// is a materialized snapshot: iterating it is restartable and finite, and
// later writes do not mutate it. A nil pred matches everything.
func (s *Store) Query(ctx context.Context, table string, pred func(Record) bool) ([]Record, error) {
	spec, ok := s.schema.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	rows, err := s.db.QueryContext(ctx, selectSQL(spec)+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows, spec)
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return out, nil
}

// Cursor returns the pull watermark for table without opening a write
// transaction. Zero means never pulled.
func (s *Store) Cursor(ctx context.Context, table string) (int64, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_pulled_at_ms FROM _sync_cursor WHERE table_name = ?`, table).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor for %s: %w", table, err)
	}
	return ms, nil
}

// Write runs fn inside a scoped transaction. All mutations made through the
// Tx commit atomically or not at all; the transaction lock is released on
// every exit path including panics. Mutations queue dirty marks for the sync
// engine within the same SQL transaction, and subscribers are notified only
// after a successful commit.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	return s.write(ctx, false, fn)
}

// ApplyRemote is Write for the sync engine's pull path: mutations do not
// stamp UpdatedAt and do not queue dirty marks, so applying server state
// never re-uploads it. Subscribers are still notified.
func (s *Store) ApplyRemote(ctx context.Context, fn func(tx *Tx) error) error {
	return s.write(ctx, true, fn)
}

func (s *Store) write(ctx context.Context, applyRemote bool, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{store: s, tx: sqlTx, ctx: ctx, applyRemote: applyRemote}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	for _, rec := range tx.touched {
		s.subs.notify(rec)
	}
	return nil
}

// Tx is a scoped write transaction over the replica.
type Tx struct {
	store       *Store
	tx          *sql.Tx
	ctx         context.Context
	applyRemote bool
	touched     []Record
}

// Get reads a record inside the transaction.
func (t *Tx) Get(table, id string) (Record, error) {
	spec, ok := t.store.schema.Table(table)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return scanOne(t.ctx, t.tx, spec, id)
}

// Put inserts or replaces a record. On the local write path the record's
// UpdatedAt is stamped with the current time and a created/updated dirty mark
// is queued; on the remote apply path the record is stored exactly as given.
func (t *Tx) Put(rec Record) error {
	spec, ok := t.store.schema.Table(rec.Table)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, rec.Table)
	}
	if rec.ID == "" {
		return fmt.Errorf("localstore: record for table %s has empty id", rec.Table)
	}

	var existed bool
	err := t.tx.QueryRowContext(t.ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %q WHERE id = ?)`, rec.Table), rec.ID).Scan(&existed)
	if err != nil {
		return fmt.Errorf("failed to check existing row: %w", err)
	}

	if !t.applyRemote {
		rec.UpdatedAt = t.store.now()
	}

	cols := []string{"id"}
	args := []any{rec.ID}
	for _, c := range spec.Columns {
		v, err := normalizeField(c.Type, rec.Fields[c.Name])
		if err != nil {
			return fmt.Errorf("table %s column %s: %w", rec.Table, c.Name, err)
		}
		cols = append(cols, c.Name)
		args = append(args, fieldToSQL(c.Type, v))
	}
	cols = append(cols, "updated_at_ms", "deleted_at_ms")
	args = append(args, rec.UpdatedAt, toNullInt(rec.DeletedAt))

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
		marks[i] = "?"
	}
	_, err = t.tx.ExecContext(t.ctx, fmt.Sprintf(`INSERT OR REPLACE INTO %q (%s) VALUES (%s)`,
		rec.Table, strings.Join(quoted, ", "), strings.Join(marks, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to upsert %s.%s: %w", rec.Table, rec.ID, err)
	}

	if !t.applyRemote {
		kind := MarkUpdated
		if !existed {
			kind = MarkCreated
		}
		if err := markDirtyTx(t.ctx, t.tx, rec.Table, rec.ID, kind); err != nil {
			return err
		}
	}

	t.touched = append(t.touched, rec)
	return nil
}

// Delete tombstones a record: DeletedAt and UpdatedAt are stamped and a
// deleted dirty mark supersedes any prior mark for the row. Deleting a
// missing or already-tombstoned record is a no-op.
func (t *Tx) Delete(table, id string) error {
	rec, err := t.Get(table, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Deleted() {
		return nil
	}

	nowMs := t.store.now()
	_, err = t.tx.ExecContext(t.ctx,
		fmt.Sprintf(`UPDATE %q SET deleted_at_ms = ?, updated_at_ms = ? WHERE id = ?`, table),
		nowMs, nowMs, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone %s.%s: %w", table, id, err)
	}

	if !t.applyRemote {
		if err := markDirtyTx(t.ctx, t.tx, table, id, MarkDeleted); err != nil {
			return err
		}
	}

	rec.DeletedAt = &nowMs
	rec.UpdatedAt = nowMs
	t.touched = append(t.touched, rec)
	return nil
}

// Cursor returns the pull watermark for table. Zero means never pulled.
func (t *Tx) Cursor(table string) (int64, error) {
	var ms int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT last_pulled_at_ms FROM _sync_cursor WHERE table_name = ?`, table).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor for %s: %w", table, err)
	}
	return ms, nil
}

// AdvanceCursor moves the pull watermark forward. The cursor is monotonically
// non-decreasing: an older value is ignored. Advancing in the same
// transaction as the batch apply is what makes pull crash-safe.
func (t *Tx) AdvanceCursor(table string, ms int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO _sync_cursor (table_name, last_pulled_at_ms) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET last_pulled_at_ms = excluded.last_pulled_at_ms
		WHERE excluded.last_pulled_at_ms > _sync_cursor.last_pulled_at_ms
	`, table, ms)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", table, err)
	}
	return nil
}

func toNullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectSQL(spec TableSpec) string {
	cols := []string{`id`}
	for _, c := range spec.Columns {
		cols = append(cols, fmt.Sprintf("%q", c.Name))
	}
	cols = append(cols, "updated_at_ms", "deleted_at_ms")
	return fmt.Sprintf(`SELECT %s FROM %q`, strings.Join(cols, ", "), spec.Name)
}

func scanOne(ctx context.Context, q queryer, spec TableSpec, id string) (Record, error) {
	row := q.QueryRowContext(ctx, selectSQL(spec)+` WHERE id = ?`, id)
	rec, err := scanRecordRow(row, spec)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s.%s", ErrNotFound, spec.Name, id)
	}
	return rec, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecordRow(row scannable, spec TableSpec) (Record, error) {
	return scanInto(row, spec)
}

func scanRecord(rows *sql.Rows, spec TableSpec) (Record, error) {
	return scanInto(rows, spec)
}

func scanInto(row scannable, spec TableSpec) (Record, error) {
	dest := make([]any, 0, len(spec.Columns)+3)
	var id string
	dest = append(dest, &id)
	raw := make([]any, len(spec.Columns))
	for i := range spec.Columns {
		dest = append(dest, &raw[i])
	}
	var updatedAt int64
	var deletedAt sql.NullInt64
	dest = append(dest, &updatedAt, &deletedAt)

	if err := row.Scan(dest...); err != nil {
		return Record{}, err
	}

	fields := make(map[string]any, len(spec.Columns))
	for i, c := range spec.Columns {
		v, err := normalizeField(c.Type, raw[i])
		if err != nil {
			return Record{}, fmt.Errorf("table %s column %s: %w", spec.Name, c.Name, err)
		}
		fields[c.Name] = v
	}

	rec := Record{Table: spec.Name, ID: id, Fields: fields, UpdatedAt: updatedAt}
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Int64
	}
	return rec, nil
}
