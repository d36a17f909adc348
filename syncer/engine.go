// Package syncer reconciles the local replica against the remote authority:
// push drained dirty marks, pull remote deltas past the per-table cursor,
// resolve conflicts last-writer-wins with the remote preferred on ties.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jp2507-max/canabro-sync/localstore"
)

// Config holds tuning knobs for the sync engine.
type Config struct {
	PushLimit     int           // records per push request
	PullLimit     int           // records per pull page
	RetryAttempts int           // bounded attempts per network call
	BackoffMin    time.Duration // first retry delay
	BackoffMax    time.Duration // delay ceiling
}

// DefaultConfig returns the tuning used by the mobile app.
func DefaultConfig() *Config {
	return &Config{
		PushLimit:     200,
		PullLimit:     1000,
		RetryAttempts: 4,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
	}
}

// Summary aggregates one sync cycle. Per-record conflicts are counted here,
// never raised as errors; the conflicting rows stay dirty for the next pass.
type Summary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Pushed     int // records accepted by the remote
	Applied    int // remote records applied locally
	Conflicts  int // pushes rejected as stale, left dirty
}

// Engine reconciles one Store against one remote authority. At most one sync
// runs at a time per engine; concurrent triggers join the in-flight cycle
// and observe its result.
type Engine struct {
	store     *localstore.Store
	tracker   *localstore.Tracker
	transport Transport
	config    *Config
	logger    *slog.Logger
	order     []string // tables parent-first

	group    singleflight.Group
	signedIn atomic.Bool
	nowMs    func() int64
}

// New builds an engine over store and transport. The table order is derived
// from the store schema so that referenced tables sync before their
// dependents.
func New(store *localstore.Store, transport Transport, config *Config, logger *slog.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	order, err := store.Schema().DependencyOrder()
	if err != nil {
		return nil, fmt.Errorf("failed to order tables: %w", err)
	}
	return &Engine{
		store:     store,
		tracker:   store.Tracker(),
		transport: transport,
		config:    config,
		logger:    logger,
		order:     order,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// SyncNow runs one push/pull cycle. Concurrent callers coalesce into the
// in-flight cycle and all receive the same Summary. A non-nil Summary is
// returned even when err is non-nil so callers can see partial progress.
func (e *Engine) SyncNow(ctx context.Context) (*Summary, error) {
	v, err, _ := e.group.Do("sync", func() (any, error) {
		return e.syncOnce(ctx)
	})
	summary, _ := v.(*Summary)
	return summary, err
}

// NotifySignedIn records a signed-in auth transition and triggers a sync on
// the false-to-true edge. Repeated notifications while already signed in do
// nothing.
func (e *Engine) NotifySignedIn(ctx context.Context) (*Summary, error) {
	if e.signedIn.Swap(true) {
		return nil, nil
	}
	return e.SyncNow(ctx)
}

// NotifySignedOut records a signed-out auth transition.
func (e *Engine) NotifySignedOut() {
	e.signedIn.Store(false)
}

// StartPeriodic triggers SyncNow every interval until the returned stop
// function is called or ctx is cancelled. Stop waits for the loop goroutine
// to exit; an in-flight cycle finishes on its own.
func (e *Engine) StartPeriodic(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.SyncNow(ctx); err != nil {
					e.logger.Warn("periodic sync failed", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (e *Engine) syncOnce(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now()}
	defer func() { summary.FinishedAt = time.Now() }()

	for _, table := range e.order {
		if err := e.pushTable(ctx, table, summary); err != nil {
			return summary, err
		}
		if err := e.pullTable(ctx, table, summary); err != nil {
			return summary, err
		}
	}

	e.logger.Debug("sync cycle finished",
		"pushed", summary.Pushed, "applied", summary.Applied, "conflicts", summary.Conflicts)
	return summary, nil
}

// pushTable drains the dirty set and uploads the current state of each
// marked row. Rejected rows are requeued; a transport failure requeues every
// unacknowledged mark so nothing is lost.
func (e *Engine) pushTable(ctx context.Context, table string, summary *Summary) error {
	marks, err := e.tracker.DrainDirty(ctx, table)
	if err != nil {
		return &SyncError{Kind: KindFatal, Table: table, Op: "push", Err: err}
	}
	if len(marks) == 0 {
		return nil
	}

	records := make([]WireRecord, 0, len(marks))
	for _, m := range marks {
		rec, err := e.store.Get(ctx, table, m.ID)
		if errors.Is(err, localstore.ErrNotFound) {
			// Row physically gone (restored backup or compaction); the remote
			// still needs the deletion.
			now := e.nowMs()
			records = append(records, WireRecord{ID: m.ID, UpdatedAt: now, DeletedAt: &now})
			continue
		}
		if err != nil {
			if rqErr := e.tracker.Requeue(ctx, marks); rqErr != nil {
				e.logger.Error("failed to requeue dirty marks", "table", table, "error", rqErr)
			}
			return &SyncError{Kind: KindFatal, Table: table, Op: "push", Err: err}
		}
		records = append(records, toWire(rec))
	}

	markByID := make(map[string]localstore.DirtyMark, len(marks))
	for _, m := range marks {
		markByID[m.ID] = m
	}

	for start := 0; start < len(records); start += e.config.PushLimit {
		end := start + e.config.PushLimit
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		var statuses []PushStatus
		err := withRetry(ctx, e.config.RetryAttempts, e.config.BackoffMin, e.config.BackoffMax, func() error {
			var perr error
			statuses, perr = e.transport.Push(ctx, table, chunk)
			return perr
		})
		if err != nil {
			// Everything from this chunk on is unacknowledged.
			var unacked []localstore.DirtyMark
			for _, rec := range records[start:] {
				if m, ok := markByID[rec.ID]; ok {
					unacked = append(unacked, m)
				}
			}
			if rqErr := e.tracker.Requeue(ctx, unacked); rqErr != nil {
				e.logger.Error("failed to requeue dirty marks after push failure",
					"table", table, "error", rqErr)
			}
			return &SyncError{Kind: transportKind(err), Table: table, Op: "push", Err: err}
		}

		var conflicted []localstore.DirtyMark
		for _, st := range statuses {
			switch st.Status {
			case StatusApplied:
				summary.Pushed++
			case StatusConflict:
				summary.Conflicts++
				if m, ok := markByID[st.ID]; ok {
					conflicted = append(conflicted, m)
				}
				e.logger.Debug("push rejected as stale", "table", table, "id", st.ID, "message", st.Message)
			default:
				e.logger.Warn("unknown push status", "table", table, "id", st.ID, "status", st.Status)
			}
		}
		if len(conflicted) > 0 {
			if err := e.tracker.Requeue(ctx, conflicted); err != nil {
				return &SyncError{Kind: KindFatal, Table: table, Op: "push", Err: err}
			}
		}
	}
	return nil
}

// pullTable pages remote changes past the cursor and applies winners
// last-writer-wins inside one store transaction per page; the cursor
// advances in the same commit.
func (e *Engine) pullTable(ctx context.Context, table string, summary *Summary) error {
	for {
		after, err := e.store.Cursor(ctx, table)
		if err != nil {
			return &SyncError{Kind: KindFatal, Table: table, Op: "pull", Err: err}
		}

		var page PullPage
		err = withRetry(ctx, e.config.RetryAttempts, e.config.BackoffMin, e.config.BackoffMax, func() error {
			var perr error
			page, perr = e.transport.Pull(ctx, table, after, e.config.PullLimit)
			return perr
		})
		if err != nil {
			return &SyncError{Kind: transportKind(err), Table: table, Op: "pull", Err: err}
		}
		if len(page.Records) == 0 {
			return nil
		}

		err = e.store.ApplyRemote(ctx, func(tx *localstore.Tx) error {
			maxMs := after
			for _, w := range page.Records {
				if w.UpdatedAt > maxMs {
					maxMs = w.UpdatedAt
				}
				local, err := tx.Get(table, w.ID)
				switch {
				case errors.Is(err, localstore.ErrNotFound):
					// New remote row.
				case err != nil:
					return err
				case local.UpdatedAt > w.UpdatedAt:
					// Local copy is newer; it is dirty and will win on push.
					continue
				}
				if err := tx.Put(fromWire(table, w)); err != nil {
					return err
				}
				summary.Applied++
			}
			return tx.AdvanceCursor(table, maxMs)
		})
		if err != nil {
			return &SyncError{Kind: KindFatal, Table: table, Op: "pull", Err: err}
		}

		if !page.HasMore {
			return nil
		}
	}
}
