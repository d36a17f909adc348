package localstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirtyMarkCreatedThenUpdatedStaysCreated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		return tx.Put(Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))
	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		return tx.Put(Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(2)}})
	}))

	marks, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Len(t, marks, 1)
	require.Equal(t, MarkCreated, marks[0].Kind)
}

func TestDirtyMarkDeletedSupersedes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		return tx.Put(Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))
	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		return tx.Delete("questions", "q1")
	}))

	marks, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Len(t, marks, 1)
	require.Equal(t, MarkDeleted, marks[0].Kind)
}

func TestDrainDirtyClearsSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		return tx.Put(Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))

	marks, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Len(t, marks, 1)

	marks, err = s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Empty(t, marks)
}

func TestDrainDirtyScopedToTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		if err := tx.Put(Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}}); err != nil {
			return err
		}
		return tx.Put(Record{Table: "shares", ID: "s1", Fields: map[string]any{"question_id": "q1"}})
	}))

	marks, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Len(t, marks, 1)

	n, err := s.Tracker().DirtyCount(ctx, "shares")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRequeueConservesExactlyOneMark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		return tx.Put(Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))

	marks, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Len(t, marks, 1)

	// Push failed: the engine hands the marks back.
	require.NoError(t, s.Tracker().Requeue(ctx, marks))

	after, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Len(t, after, 1, "failed push leaves exactly one mark, no duplication, no loss")
	require.Equal(t, marks[0], after[0])
}

func TestRequeueDoesNotClobberNewerMark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		return tx.Put(Record{Table: "questions", ID: "q1", Fields: map[string]any{"score": int64(1)}})
	}))
	marks, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)

	// The row is deleted while its created-mark is in flight.
	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		return tx.Delete("questions", "q1")
	}))
	require.NoError(t, s.Tracker().Requeue(ctx, marks))

	after, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, MarkDeleted, after[0].Kind, "newer mark wins over requeued one")
}

func TestMarkDirtyStandalone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Tracker().MarkDirty(ctx, "questions", "q9", MarkUpdated))
	marks, err := s.Tracker().DrainDirty(ctx, "questions")
	require.NoError(t, err)
	require.Len(t, marks, 1)
	require.Equal(t, DirtyMark{Table: "questions", ID: "q9", Kind: MarkUpdated}, marks[0])
}
