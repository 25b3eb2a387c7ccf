// Package transcripttest holds a behavioral suite shared by every transcript
// backend, including the ones that need a live database.
package transcripttest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codechat/internal/core"
	"codechat/internal/transcript"
)

// NewStoreFunc returns a fresh, empty store for one subtest.
type NewStoreFunc func(t *testing.T) transcript.Store

// RunConformance exercises the Store contract against newStore.
func RunConformance(t *testing.T, newStore NewStoreFunc) {
	t.Helper()

	t.Run("AppendAndList", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := range 3 {
			require.NoError(t, store.Append(ctx, message("s1", i)))
		}
		require.NoError(t, store.Append(ctx, message("s2", 0)))

		items, err := store.List(ctx, "s1", 0, "")
		require.NoError(t, err)
		require.Len(t, items, 3)
		for i, m := range items {
			assert.Equal(t, int64(i), m.Seq)
			assert.Equal(t, "s1", m.SessionID)
			assert.Equal(t, fmt.Sprintf("contents %d", i), m.Contents)
		}
		assert.True(t, items[1].IsReply)
	})

	t.Run("ListOrdersBySeqNotInsertion", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, i := range []int{2, 0, 1} {
			require.NoError(t, store.Append(ctx, message("s", i)))
		}

		items, err := store.List(ctx, "s", 10, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"user:0", "bot:1", "user:2"}, ids(items))
	})

	t.Run("AppendDuplicate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Append(ctx, message("s", 0)))
		err := store.Append(ctx, message("s", 0))
		assert.True(t, errors.Is(err, transcript.ErrExists), "got %v", err)
	})

	t.Run("AppendRejectsInvalid", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		assert.Error(t, store.Append(ctx, nil))
		assert.Error(t, store.Append(ctx, &core.Message{SessionID: "s"}))
		assert.Error(t, store.Append(ctx, &core.Message{ID: "x"}))
	})

	t.Run("Update", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		msg := message("s", 1)
		require.NoError(t, store.Append(ctx, msg))

		msg.Contents = "streamed reply"
		msg.IsFinished = true
		msg.UpdatedAt = msg.UpdatedAt.Add(time.Second)
		require.NoError(t, store.Update(ctx, msg))

		items, err := store.List(ctx, "s", 0, "")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "streamed reply", items[0].Contents)
		assert.True(t, items[0].IsFinished)
		assert.WithinDuration(t, msg.UpdatedAt, items[0].UpdatedAt, time.Millisecond)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		store := newStore(t)
		err := store.Update(context.Background(), message("s", 9))
		assert.True(t, errors.Is(err, transcript.ErrNotFound), "got %v", err)
	})

	t.Run("ListPagination", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := range 5 {
			require.NoError(t, store.Append(ctx, message("s", i)))
		}

		first, err := store.List(ctx, "s", 2, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"user:0", "bot:1"}, ids(first))

		second, err := store.List(ctx, "s", 2, first[len(first)-1].ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:2", "bot:3"}, ids(second))

		last, err := store.List(ctx, "s", 2, "user:4")
		require.NoError(t, err)
		assert.Empty(t, last)
	})

	t.Run("ListUnknownCursor", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Append(ctx, message("s", 0)))

		_, err := store.List(ctx, "s", 10, "user:42")
		assert.True(t, errors.Is(err, transcript.ErrNotFound), "got %v", err)
	})

	t.Run("ListEmptySession", func(t *testing.T) {
		store := newStore(t)
		items, err := store.List(context.Background(), "nobody", 10, "")
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("DeleteSession", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := range 3 {
			require.NoError(t, store.Append(ctx, message("gone", i)))
		}
		require.NoError(t, store.Append(ctx, message("kept", 0)))

		n, err := store.DeleteSession(ctx, "gone")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		items, err := store.List(ctx, "gone", 0, "")
		require.NoError(t, err)
		assert.Empty(t, items)

		items, err = store.List(ctx, "kept", 0, "")
		require.NoError(t, err)
		assert.Len(t, items, 1)

		n, err = store.DeleteSession(ctx, "gone")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("StoredCopyIsIndependent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		msg := message("s", 0)
		require.NoError(t, store.Append(ctx, msg))
		msg.Contents = "mutated after append"

		items, err := store.List(ctx, "s", 0, "")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "contents 0", items[0].Contents)
	})
}

// message builds the i-th message of a session, alternating user and bot
// the way the chat service numbers them.
func message(sessionID string, i int) *core.Message {
	id := fmt.Sprintf("user:%d", i)
	if i%2 == 1 {
		id = fmt.Sprintf("bot:%d", i)
	}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(i) * time.Second)
	return &core.Message{
		ID:        id,
		SessionID: sessionID,
		Seq:       int64(i),
		Contents:  fmt.Sprintf("contents %d", i),
		IsReply:   i%2 == 1,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func ids(items []*core.Message) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.ID
	}
	return out
}
