// Package remote implements the server half of the sync protocol: a
// Postgres-backed authority that accepts pushed changes, resolves conflicts
// by last-writer-wins, and serves incremental pull pages.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jp2507-max/canabro-sync/syncer"
)

// Authority owns the canonical copy of every synced record. Records from all
// tables share one relation keyed by (table_name, id); business fields ride
// in a JSONB column so the authority needs no per-table DDL.
type Authority struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenAuthority connects to Postgres and ensures the sync relation exists.
func OpenAuthority(ctx context.Context, databaseURL string, logger *slog.Logger) (*Authority, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &Authority{pool: pool, logger: logger}
	if err := a.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the connection pool.
func (a *Authority) Close() {
	a.pool.Close()
}

func (a *Authority) initialize(ctx context.Context) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		createSQL :=
			/*language=postgresql*/ `
CREATE TABLE IF NOT EXISTS sync_rows (
	table_name TEXT NOT NULL,
	id TEXT NOT NULL,
	fields JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at_ms BIGINT NOT NULL,
	deleted_at_ms BIGINT,
	PRIMARY KEY (table_name, id)
)
`
		if _, err := tx.Exec(ctx, createSQL); err != nil {
			return fmt.Errorf("failed to create sync_rows: %w", err)
		}
		indexSQL := `CREATE INDEX IF NOT EXISTS idx_sync_rows_watermark ON sync_rows (table_name, updated_at_ms, id)`
		if _, err := tx.Exec(ctx, indexSQL); err != nil {
			return fmt.Errorf("failed to create watermark index: %w", err)
		}
		return nil
	})
}

// ApplyPush applies a batch of pushed records under last-writer-wins. Each
// record gets an individual status; a remote row with a strictly newer
// timestamp rejects the incoming record as a conflict. Ties go to the
// incoming record so a retried push converges to applied. The whole batch
// commits in one transaction.
func (a *Authority) ApplyPush(ctx context.Context, req *syncer.PushRequest) (*syncer.PushResponse, error) {
	if req.Table == "" {
		return nil, fmt.Errorf("push request missing table")
	}

	resp := &syncer.PushResponse{Statuses: make([]syncer.PushStatus, len(req.Records))}
	err := pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		for i, rec := range req.Records {
			status, err := a.applyOne(ctx, tx, req.Table, rec)
			if err != nil {
				return err
			}
			resp.Statuses[i] = status
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply push for %s: %w", req.Table, err)
	}
	return resp, nil
}

func (a *Authority) applyOne(ctx context.Context, tx pgx.Tx, table string, rec syncer.WireRecord) (syncer.PushStatus, error) {
	if rec.ID == "" {
		return syncer.PushStatus{Status: syncer.StatusConflict, Message: "record missing id"}, nil
	}

	var (
		existing     syncer.WireRecord
		existingJSON []byte
	)
	err := tx.QueryRow(ctx,
		`SELECT fields, updated_at_ms, deleted_at_ms FROM sync_rows WHERE table_name = $1 AND id = $2 FOR UPDATE`,
		table, rec.ID).Scan(&existingJSON, &existing.UpdatedAt, &existing.DeletedAt)
	switch {
	case err == pgx.ErrNoRows:
		// First sighting of this row.
	case err != nil:
		return syncer.PushStatus{}, fmt.Errorf("failed to read %s.%s: %w", table, rec.ID, err)
	case existing.UpdatedAt > rec.UpdatedAt:
		a.logger.Debug("push conflict",
			"table", table, "id", rec.ID, "incoming_ms", rec.UpdatedAt, "existing_ms", existing.UpdatedAt)
		existing.ID = rec.ID
		if err := json.Unmarshal(existingJSON, &existing.Fields); err != nil {
			return syncer.PushStatus{}, fmt.Errorf("failed to parse fields for %s.%s: %w", table, rec.ID, err)
		}
		return syncer.PushStatus{
			ID:      rec.ID,
			Status:  syncer.StatusConflict,
			Message: fmt.Sprintf("remote version %d is newer than %d", existing.UpdatedAt, rec.UpdatedAt),
			Remote:  &existing,
		}, nil
	}

	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return syncer.PushStatus{}, fmt.Errorf("failed to serialize fields for %s.%s: %w", table, rec.ID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_rows (table_name, id, fields, updated_at_ms, deleted_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_name, id) DO UPDATE SET
			fields = excluded.fields,
			updated_at_ms = excluded.updated_at_ms,
			deleted_at_ms = excluded.deleted_at_ms
	`, table, rec.ID, fieldsJSON, rec.UpdatedAt, rec.DeletedAt)
	if err != nil {
		return syncer.PushStatus{}, fmt.Errorf("failed to upsert %s.%s: %w", table, rec.ID, err)
	}
	return syncer.PushStatus{ID: rec.ID, Status: syncer.StatusApplied}, nil
}

// Pull returns one page of records for table with UpdatedAt strictly after
// the cursor, oldest first. It reads limit+1 rows to decide HasMore without
// a second query.
//
// Clients advance their cursor to the newest timestamp on the page and ask
// for strictly newer rows next time, so a page must carry every row sharing
// its final timestamp. When the limit would cut a group of equal timestamps
// in half, the page is extended past the limit with the rest of that group.
func (a *Authority) Pull(ctx context.Context, table string, after int64, limit int) (*syncer.PullPage, error) {
	records, err := a.pullRows(ctx, table, `
		SELECT id, fields, updated_at_ms, deleted_at_ms
		FROM sync_rows
		WHERE table_name = $1 AND updated_at_ms > $2
		ORDER BY updated_at_ms, id
		LIMIT $3
	`, table, after, limit+1)
	if err != nil {
		return nil, err
	}

	page := &syncer.PullPage{Records: records}
	if len(page.Records) <= limit {
		return page, nil
	}

	extra := page.Records[limit]
	page.Records = page.Records[:limit]
	page.HasMore = true

	last := page.Records[limit-1]
	if extra.UpdatedAt != last.UpdatedAt {
		return page, nil
	}

	rest, err := a.pullRows(ctx, table, `
		SELECT id, fields, updated_at_ms, deleted_at_ms
		FROM sync_rows
		WHERE table_name = $1 AND updated_at_ms = $2 AND id > $3
		ORDER BY id
	`, table, extra.UpdatedAt, extra.ID)
	if err != nil {
		return nil, err
	}
	page.Records = append(page.Records, extra)
	page.Records = append(page.Records, rest...)
	return page, nil
}

func (a *Authority) pullRows(ctx context.Context, table, query string, args ...any) ([]syncer.WireRecord, error) {
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pull page for %s: %w", table, err)
	}
	defer rows.Close()

	var records []syncer.WireRecord
	for rows.Next() {
		var (
			rec        syncer.WireRecord
			fieldsJSON []byte
		)
		if err := rows.Scan(&rec.ID, &fieldsJSON, &rec.UpdatedAt, &rec.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pull row for %s: %w", table, err)
		}
		if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to parse fields for %s.%s: %w", table, rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pull page for %s: %w", table, err)
	}
	return records, nil
}
