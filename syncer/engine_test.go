package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jp2507-max/canabro-sync/localstore"
)

func testSchema() localstore.Schema {
	return localstore.Schema{Tables: []localstore.TableSpec{
		{
			Name: "questions",
			Columns: []localstore.Column{
				{Name: "body", Type: localstore.TypeText},
				{Name: "score", Type: localstore.TypeInt},
			},
		},
		{
			Name: "shares",
			Columns: []localstore.Column{
				{Name: "question_id", Type: localstore.TypeText},
			},
			References: []localstore.Reference{{Column: "question_id", Parent: "questions"}},
		},
	}}
}

func openTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(":memory:", testSchema(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stubTransport scripts push/pull behavior per test.
type stubTransport struct {
	mu        sync.Mutex
	pushFunc  func(table string, records []WireRecord) ([]PushStatus, error)
	pullFunc  func(table string, afterMs int64, limit int) (PullPage, error)
	pushCalls int
	pullCalls int
	pushed    map[string][]WireRecord
}

func newStubTransport() *stubTransport {
	return &stubTransport{pushed: map[string][]WireRecord{}}
}

func (s *stubTransport) Push(_ context.Context, table string, records []WireRecord) ([]PushStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushCalls++
	if s.pushFunc != nil {
		return s.pushFunc(table, records)
	}
	s.pushed[table] = append(s.pushed[table], records...)
	statuses := make([]PushStatus, len(records))
	for i, r := range records {
		statuses[i] = PushStatus{ID: r.ID, Status: StatusApplied}
	}
	return statuses, nil
}

func (s *stubTransport) Pull(_ context.Context, table string, afterMs int64, limit int) (PullPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullCalls++
	if s.pullFunc != nil {
		return s.pullFunc(table, afterMs, limit)
	}
	return PullPage{}, nil
}

func fastConfig() *Config {
	return &Config{
		PushLimit:     100,
		PullLimit:     100,
		RetryAttempts: 2,
		BackoffMin:    time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, store *localstore.Store, tr Transport) *Engine {
	t.Helper()
	e, err := New(store, tr, fastConfig(), slog.Default())
	require.NoError(t, err)
	return e
}

func TestSyncPushesDirtyRows(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.Put(localstore.Record{Table: "questions", ID: "q1", Fields: map[string]any{
			"body": "too much nitrogen?", "score": int64(1),
		}})
	}))

	summary, err := e.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pushed)
	require.Zero(t, summary.Conflicts)
	require.Len(t, tr.pushed["questions"], 1)
	require.Equal(t, "q1", tr.pushed["questions"][0].ID)

	// Acknowledged rows are no longer dirty.
	n, err := store.Tracker().DirtyCount(ctx, "questions")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSyncPushesTombstones(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.Put(localstore.Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))
	_, err := e.SyncNow(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.Delete("questions", "q1")
	}))
	summary, err := e.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pushed)

	last := tr.pushed["questions"][len(tr.pushed["questions"])-1]
	require.NotNil(t, last.DeletedAt, "deletion must travel as a tombstone")
	require.Empty(t, last.Fields)
}

func TestPullAppliesRemoteDelta(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	tr.pullFunc = func(table string, afterMs int64, _ int) (PullPage, error) {
		if table != "questions" || afterMs >= 500 {
			return PullPage{}, nil
		}
		return PullPage{Records: []WireRecord{
			{ID: "q7", UpdatedAt: 500, Fields: map[string]any{"body": "from remote", "score": int64(9)}},
		}}, nil
	}
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	summary, err := e.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Applied)

	rec, err := store.Get(ctx, "questions", "q7")
	require.NoError(t, err)
	require.Equal(t, "from remote", rec.Fields["body"])
	require.Equal(t, int64(500), rec.UpdatedAt)

	// Cursor advanced to the batch maximum, in the same commit as the apply.
	ms, err := store.Cursor(ctx, "questions")
	require.NoError(t, err)
	require.Equal(t, int64(500), ms)

	// Applied remote rows must not become dirty.
	n, err := store.Tracker().DirtyCount(ctx, "questions")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPullIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	delta := []WireRecord{
		{ID: "q1", UpdatedAt: 100, Fields: map[string]any{"body": "a", "score": int64(1)}},
		{ID: "q2", UpdatedAt: 200, Fields: map[string]any{"body": "b", "score": int64(2)}},
	}
	calls := 0
	tr := newStubTransport()
	tr.pullFunc = func(table string, afterMs int64, _ int) (PullPage, error) {
		if table != "questions" {
			return PullPage{}, nil
		}
		calls++
		// Simulate a retried delivery: the same delta arrives twice
		// regardless of the cursor.
		if calls <= 2 {
			return PullPage{Records: delta}, nil
		}
		return PullPage{}, nil
	}
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	_, err := e.SyncNow(ctx)
	require.NoError(t, err)
	_, err = e.SyncNow(ctx)
	require.NoError(t, err)

	recs, err := store.Query(ctx, "questions", nil)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.NotZero(t, rec.UpdatedAt)
	}

	// Cursor advanced once in effect.
	ms, err := store.Cursor(ctx, "questions")
	require.NoError(t, err)
	require.Equal(t, int64(200), ms)
}

func TestPullConvergesAcrossPagesWithTiedTimestamps(t *testing.T) {
	store := openTestStore(t)

	// Three rows share one timestamp and a fourth follows; the page limit is
	// smaller than the tie group. The remote keeps a group of equal
	// timestamps on one page, extending past the limit when needed, because
	// the client resumes strictly after the newest timestamp it has seen and
	// would otherwise never receive the rest of the group.
	remote := []WireRecord{
		{ID: "q1", UpdatedAt: 100, Fields: map[string]any{"body": "a", "score": int64(1)}},
		{ID: "q2", UpdatedAt: 100, Fields: map[string]any{"body": "b", "score": int64(2)}},
		{ID: "q3", UpdatedAt: 100, Fields: map[string]any{"body": "c", "score": int64(3)}},
		{ID: "q4", UpdatedAt: 200, Fields: map[string]any{"body": "d", "score": int64(4)}},
	}
	tr := newStubTransport()
	tr.pullFunc = func(table string, afterMs int64, limit int) (PullPage, error) {
		if table != "questions" {
			return PullPage{}, nil
		}
		var pending []WireRecord
		for _, r := range remote {
			if r.UpdatedAt > afterMs {
				pending = append(pending, r)
			}
		}
		page := PullPage{}
		for _, r := range pending {
			if len(page.Records) >= limit && r.UpdatedAt != page.Records[len(page.Records)-1].UpdatedAt {
				page.HasMore = true
				break
			}
			page.Records = append(page.Records, r)
		}
		return page, nil
	}
	e, err := New(store, tr, &Config{
		PushLimit:     100,
		PullLimit:     2, // smaller than the tie group
		RetryAttempts: 2,
		BackoffMin:    time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
	}, slog.Default())
	require.NoError(t, err)
	ctx := context.Background()

	summary, err := e.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, summary.Applied)

	for _, want := range remote {
		rec, err := store.Get(ctx, "questions", want.ID)
		require.NoError(t, err, "row %s must survive page boundaries", want.ID)
		require.Equal(t, want.UpdatedAt, rec.UpdatedAt)
	}

	ms, err := store.Cursor(ctx, "questions")
	require.NoError(t, err)
	require.Equal(t, int64(200), ms)
}

func TestLWWRemoteNewerWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Local edit at some time T1.
	require.NoError(t, store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.Put(localstore.Record{Table: "questions", ID: "q1", Fields: map[string]any{
			"body": "local", "score": int64(1),
		}})
	}))
	local, err := store.Get(ctx, "questions", "q1")
	require.NoError(t, err)

	remoteAt := local.UpdatedAt + 1000
	tr := newStubTransport()
	served := false
	tr.pullFunc = func(table string, afterMs int64, _ int) (PullPage, error) {
		if table != "questions" || served {
			return PullPage{}, nil
		}
		served = true
		return PullPage{Records: []WireRecord{
			{ID: "q1", UpdatedAt: remoteAt, Fields: map[string]any{"body": "remote", "score": int64(2)}},
		}}, nil
	}
	e := newTestEngine(t, store, tr)

	_, err = e.SyncNow(ctx)
	require.NoError(t, err)

	rec, err := store.Get(ctx, "questions", "q1")
	require.NoError(t, err)
	require.Equal(t, "remote", rec.Fields["body"], "newer remote copy wins")
	require.Equal(t, int64(2), rec.Fields["score"])
	require.Equal(t, remoteAt, rec.UpdatedAt)
}

func TestLWWLocalNewerWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.Put(localstore.Record{Table: "questions", ID: "q1", Fields: map[string]any{
			"body": "local", "score": int64(1),
		}})
	}))
	local, err := store.Get(ctx, "questions", "q1")
	require.NoError(t, err)

	tr := newStubTransport()
	// Reject the push so the local row stays put, then serve a stale remote copy.
	tr.pushFunc = func(_ string, records []WireRecord) ([]PushStatus, error) {
		statuses := make([]PushStatus, len(records))
		for i, r := range records {
			statuses[i] = PushStatus{ID: r.ID, Status: StatusConflict}
		}
		return statuses, nil
	}
	served := false
	tr.pullFunc = func(table string, afterMs int64, _ int) (PullPage, error) {
		if table != "questions" || served {
			return PullPage{}, nil
		}
		served = true
		return PullPage{Records: []WireRecord{
			{ID: "q1", UpdatedAt: local.UpdatedAt - 1000, Fields: map[string]any{"body": "stale remote", "score": int64(0)}},
		}}, nil
	}
	e := newTestEngine(t, store, tr)

	summary, err := e.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Conflicts)

	rec, err := store.Get(ctx, "questions", "q1")
	require.NoError(t, err)
	require.Equal(t, "local", rec.Fields["body"], "newer local copy survives a stale pull")
}

func TestPushConflictLeavesRowDirty(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	tr.pushFunc = func(_ string, records []WireRecord) ([]PushStatus, error) {
		statuses := make([]PushStatus, len(records))
		for i, r := range records {
			statuses[i] = PushStatus{ID: r.ID, Status: StatusConflict, Message: "stale version"}
		}
		return statuses, nil
	}
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.Put(localstore.Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))

	summary, err := e.SyncNow(ctx)
	require.NoError(t, err, "conflicts are counted, not raised")
	require.Equal(t, 1, summary.Conflicts)
	require.Zero(t, summary.Pushed)

	n, err := store.Tracker().DirtyCount(ctx, "questions")
	require.NoError(t, err)
	require.Equal(t, 1, n, "conflicted row stays dirty for the next pass")
}

func TestPushTransportFailureRequeuesMarks(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	tr.pushFunc = func(string, []WireRecord) ([]PushStatus, error) {
		return nil, errors.New("connection refused")
	}
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.Put(localstore.Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))

	summary, err := e.SyncNow(ctx)
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.NotNil(t, summary)

	// Bounded retries: attempts, not infinite.
	require.Equal(t, fastConfig().RetryAttempts, tr.pushCalls)

	n, err := store.Tracker().DirtyCount(ctx, "questions")
	require.NoError(t, err)
	require.Equal(t, 1, n, "failed push conserves exactly one mark")
}

func TestPushPermanentRejectionIsNotRetried(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	tr.pushFunc = func(string, []WireRecord) ([]PushStatus, error) {
		return nil, &StatusError{Op: "push", Code: 401, Body: "invalid token"}
	}
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.Put(localstore.Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))

	_, err := e.SyncNow(ctx)
	require.Error(t, err)
	require.False(t, IsTransient(err), "a rejected credential is not a transient failure")
	require.Equal(t, 1, tr.pushCalls, "a permanent rejection gets no second attempt")

	// The mark is conserved for whenever the credential is fixed.
	n, err := store.Tracker().DirtyCount(ctx, "questions")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPullTransportFailureIsTransient(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	tr.pullFunc = func(string, int64, int) (PullPage, error) {
		return PullPage{}, errors.New("timeout")
	}
	e := newTestEngine(t, store, tr)

	_, err := e.SyncNow(context.Background())
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestSingleFlightCoalescesConcurrentSyncs(t *testing.T) {
	store := openTestStore(t)

	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once
	tr := newStubTransport()
	tr.pullFunc = func(table string, _ int64, _ int) (PullPage, error) {
		if table == "questions" {
			startOnce.Do(func() { close(started) })
			<-release
		}
		return PullPage{}, nil
	}
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Summary, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = e.SyncNow(ctx)
	}()

	<-started // first sync is in flight
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = e.SyncNow(ctx)
	}()

	// Give the second caller time to join the in-flight cycle, then let it run.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Same(t, results[0], results[1], "both callers observe the same summary")
	require.Equal(t, 2, tr.pullCalls, "exactly one pull cycle across both tables")
}

func TestTablesSyncInDependencyOrder(t *testing.T) {
	store := openTestStore(t)
	var order []string
	tr := newStubTransport()
	tr.pullFunc = func(table string, _ int64, _ int) (PullPage, error) {
		order = append(order, table)
		return PullPage{}, nil
	}
	e := newTestEngine(t, store, tr)

	_, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"questions", "shares"}, order)
}

func TestNotifySignedInTriggersOnTransitionOnly(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	e := newTestEngine(t, store, tr)
	ctx := context.Background()

	summary, err := e.NotifySignedIn(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary, "sign-in edge triggers a sync")

	summary, err = e.NotifySignedIn(ctx)
	require.NoError(t, err)
	require.Nil(t, summary, "repeated sign-in notification is a no-op")

	e.NotifySignedOut()
	summary, err = e.NotifySignedIn(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary)
}

func TestStartPeriodicStops(t *testing.T) {
	store := openTestStore(t)
	tr := newStubTransport()
	e := newTestEngine(t, store, tr)

	stop := e.StartPeriodic(context.Background(), 10*time.Millisecond)
	time.Sleep(45 * time.Millisecond)
	stop()

	tr.mu.Lock()
	after := tr.pullCalls
	tr.mu.Unlock()
	require.Greater(t, after, 0, "periodic trigger ran at least once")

	time.Sleep(30 * time.Millisecond)
	tr.mu.Lock()
	final := tr.pullCalls
	tr.mu.Unlock()
	require.Equal(t, after, final, "no ticks after stop")
}
