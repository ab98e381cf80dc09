package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/model"
)

func testState(thread string) model.WorkflowState {
	return model.WorkflowState{
		ThreadID: thread,
		Messages: []model.Message{model.UserMessage("update README")},
	}
}

func TestPutAndGetLatest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, store.Put(ctx, Checkpoint{
			ThreadID:    "t1",
			ID:          i,
			ParentID:    i - 1,
			State:       testState("t1"),
			NodeJustRan: "supervisor",
		}))
	}

	latest, err := store.GetLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.ID)
	assert.Equal(t, int64(2), latest.ParentID)

	_, err = store.GetLatest(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	cp := Checkpoint{ThreadID: "t1", ID: 1, State: testState("t1")}
	require.NoError(t, store.Put(ctx, cp))
	assert.ErrorIs(t, store.Put(ctx, cp), ErrConflict)
}

func TestConcurrentPutSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Put(ctx, Checkpoint{ThreadID: "t1", ID: 1, State: testState("t1")})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestListOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Insert out of order; List must return ascending IDs.
	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, store.Put(ctx, Checkpoint{ThreadID: "t1", ID: id, State: testState("t1")}))
	}
	cps, err := store.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, cp := range cps {
		assert.Equal(t, int64(i+1), cp.ID)
	}
}

func TestStateRoundTripsThroughStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := testState("t1")
	state.Messages = append(state.Messages,
		model.AssistantMessage("", model.ToolCall{ID: "c1", Name: "write_file", Arguments: `{"path":"README.md"}`}),
		model.ToolMessage("c1", "write_file", "ok"),
	)
	require.NoError(t, store.Put(ctx, Checkpoint{ThreadID: "t1", ID: 1, State: state}))

	got, err := store.GetLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, state, got.State)
}

func TestPruneExpiredKeepsLiveLatest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	// Live thread: two old checkpoints, latest must survive.
	require.NoError(t, store.Put(ctx, Checkpoint{ThreadID: "live", ID: 1, State: testState("live"), CreatedAt: old}))
	require.NoError(t, store.Put(ctx, Checkpoint{ThreadID: "live", ID: 2, State: testState("live"), CreatedAt: old}))

	// Terminated thread: everything prunable.
	require.NoError(t, store.Put(ctx, Checkpoint{ThreadID: "done", ID: 1, State: testState("done"), CreatedAt: old}))
	require.NoError(t, store.Put(ctx, Checkpoint{ThreadID: "done", ID: 2, State: testState("done"), CreatedAt: old, Terminal: true}))

	removed, err := store.PruneExpired(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	latest, err := store.GetLatest(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.ID)

	_, err = store.GetLatest(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockThreadExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	unlock, err := store.LockThread(ctx, "t1", time.Second)
	require.NoError(t, err)

	// Second acquisition times out while the lock is held.
	_, err = store.LockThread(ctx, "t1", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)

	// Other threads are unaffected.
	unlock2, err := store.LockThread(ctx, "t2", 50*time.Millisecond)
	require.NoError(t, err)
	unlock2()

	unlock()
	unlock3, err := store.LockThread(ctx, "t1", 50*time.Millisecond)
	require.NoError(t, err)
	unlock3()
}
