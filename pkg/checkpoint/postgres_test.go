package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/test/util"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	return NewPostgresStore(util.SetupTestDatabase(t))
}

func TestPostgresPutGetRoundTrip(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	state := model.WorkflowState{
		ThreadID:   "thread-1",
		WorkflowID: "wf-1",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "update the readme"},
			{Role: model.RoleAssistant, Content: "done"},
		},
		CurrentAgent: "documentation",
		SessionMode:  model.ModeAgent,
	}

	require.NoError(t, store.Put(ctx, Checkpoint{
		ThreadID:    "thread-1",
		ID:          1,
		State:       state,
		NodeJustRan: "supervisor",
	}))
	require.NoError(t, store.Put(ctx, Checkpoint{
		ThreadID:    "thread-1",
		ID:          2,
		ParentID:    1,
		State:       state,
		NodeJustRan: "documentation",
		Terminal:    true,
	}))

	latest, err := store.GetLatest(ctx, "thread-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest.ID)
	assert.EqualValues(t, 1, latest.ParentID)
	assert.True(t, latest.Terminal)
	assert.Equal(t, "documentation", latest.NodeJustRan)
	require.Len(t, latest.State.Messages, 2)
	assert.Equal(t, "update the readme", latest.State.Messages[0].Content)

	first, err := store.Get(ctx, "thread-1", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, first.ParentID)
	assert.False(t, first.Terminal)

	all, err := store.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.EqualValues(t, 1, all[0].ID)
	assert.EqualValues(t, 2, all[1].ID)
}

func TestPostgresPutConflict(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	cp := Checkpoint{ThreadID: "thread-1", ID: 1, State: model.WorkflowState{ThreadID: "thread-1"}}
	require.NoError(t, store.Put(ctx, cp))

	err := store.Put(ctx, cp)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostgresGetLatestNotFound(t *testing.T) {
	store := newPostgresStore(t)

	_, err := store.GetLatest(context.Background(), "no-such-thread")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresDeleteThread(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Checkpoint{ThreadID: "thread-1", ID: 1, State: model.WorkflowState{ThreadID: "thread-1"}}))
	require.NoError(t, store.Put(ctx, Checkpoint{ThreadID: "thread-2", ID: 1, State: model.WorkflowState{ThreadID: "thread-2"}}))

	require.NoError(t, store.DeleteThread(ctx, "thread-1"))

	_, err := store.GetLatest(ctx, "thread-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetLatest(ctx, "thread-2")
	assert.NoError(t, err)
}

func TestPostgresPruneExpired(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)

	put := func(threadID string, id int64, createdAt time.Time, terminal bool) {
		require.NoError(t, store.Put(ctx, Checkpoint{
			ThreadID:  threadID,
			ID:        id,
			State:     model.WorkflowState{ThreadID: threadID},
			Terminal:  terminal,
			CreatedAt: createdAt,
		}))
	}

	// Terminated thread entirely past the cutoff goes away.
	put("thread-done", 1, old, false)
	put("thread-done", 2, old, true)
	// Live thread past the cutoff keeps only its latest checkpoint.
	put("thread-live", 1, old, false)
	put("thread-live", 2, old, false)
	// Recent thread is untouched.
	put("thread-new", 1, time.Now().UTC(), false)

	pruned, err := store.PruneExpired(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, pruned)

	_, err = store.GetLatest(ctx, "thread-done")
	assert.ErrorIs(t, err, ErrNotFound)

	live, err := store.List(ctx, "thread-live")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.EqualValues(t, 2, live[0].ID)

	fresh, err := store.List(ctx, "thread-new")
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestPostgresLockThread(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	unlock, err := store.LockThread(ctx, "thread-1", time.Second)
	require.NoError(t, err)

	// A second holder cannot acquire the same thread.
	_, err = store.LockThread(ctx, "thread-1", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)

	// Other threads are unaffected.
	unlockOther, err := store.LockThread(ctx, "thread-2", time.Second)
	require.NoError(t, err)
	unlockOther()

	unlock()

	unlock2, err := store.LockThread(ctx, "thread-1", time.Second)
	require.NoError(t, err)
	unlock2()
}
