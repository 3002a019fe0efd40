package webrun

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ikeys "github.com/UniQw/webrun/internal/keys"
)

func TestArchive_SaveGetList(t *testing.T) {
	rdb, _ := newMiniClient(t)
	a := NewArchive(rdb, 0, 0)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, a.Save(ctx, &Task{
			ID:      id,
			URL:     "https://example.com",
			Status:  StatusCompleted,
			Result:  json.RawMessage(`{"ok":true}`),
			Actions: []Action{{Type: ActionGoto, URL: "https://example.com"}},
		}))
		time.Sleep(2 * time.Millisecond)
	}

	got, err := a.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.Equal(t, ActionGoto, got.Actions[0].Type)

	list, err := a.List(ctx, StatusCompleted, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "c", list[0].ID, "most recent first")
	require.Equal(t, "a", list[1].ID)

	_, err = a.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, err = a.List(ctx, StatusRunning, 0)
	require.ErrorIs(t, err, ErrUnknownStatus)
	require.ErrorIs(t, a.Save(ctx, &Task{ID: "x", Status: StatusPending}), ErrUnknownStatus)
}

func TestArchive_StatusChangeMovesIndex(t *testing.T) {
	rdb, _ := newMiniClient(t)
	a := NewArchive(rdb, 0, 0)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, &Task{ID: "t", Status: StatusFailed}))
	require.NoError(t, a.Save(ctx, &Task{ID: "t", Status: StatusCompleted}))

	counts, err := a.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[Status]int64{StatusCompleted: 1, StatusFailed: 0, StatusCancelled: 0}, counts)

	require.NoError(t, a.Delete(ctx, "t"))
	require.ErrorIs(t, a.Delete(ctx, "t"), ErrTaskNotFound)
	counts, err = a.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts[StatusCompleted])
}

func TestArchive_MaxHistoryAndRetention(t *testing.T) {
	rdb, mr := newMiniClient(t)
	a := NewArchive(rdb, time.Minute, 2)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, a.Save(ctx, &Task{ID: id, Status: StatusCancelled}))
		time.Sleep(2 * time.Millisecond)
	}
	n, err := rdb.ZCard(ctx, ikeys.ForArchive().Cancelled).Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, n, "oldest trimmed")

	mr.FastForward(2 * time.Minute)
	_, err = a.Get(ctx, "3")
	require.ErrorIs(t, err, ErrTaskNotFound)

	// index entries outlive their records until the cleaner runs; List skips them
	list, err := a.List(ctx, StatusCancelled, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}
