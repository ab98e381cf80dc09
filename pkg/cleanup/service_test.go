package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/approval"
	"github.com/coderelay/relay/pkg/checkpoint"
	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/tracker"
)

type noopTracker struct{}

func (noopTracker) CreateIssue(context.Context, tracker.CreateIssueInput) (*tracker.Issue, error) {
	return &tracker.Issue{ID: "REL-1", State: "open"}, nil
}
func (noopTracker) GetIssue(_ context.Context, id string) (*tracker.Issue, error) {
	return &tracker.Issue{ID: id, State: "open"}, nil
}
func (noopTracker) CloseIssue(context.Context, string) error    { return nil }
func (noopTracker) CommentOnPR(context.Context, int, string) error { return nil }

func newService(cpStore checkpoint.Store, apStore approval.Store) (*Service, *approval.Manager) {
	mgr := approval.NewManager(apStore, noopTracker{}, approval.Config{Timeout: 24 * time.Hour})
	svc := NewService(Config{Interval: time.Hour, CheckpointTTL: 7 * 24 * time.Hour}, cpStore, mgr)
	return svc, mgr
}

func putCheckpoint(t *testing.T, store *checkpoint.MemoryStore, threadID string, id int64, age time.Duration, terminal bool) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), checkpoint.Checkpoint{
		ThreadID:    threadID,
		ID:          id,
		ParentID:    id - 1,
		State:       model.WorkflowState{ThreadID: threadID, WorkflowID: "wf-1"},
		NodeJustRan: "supervisor",
		Terminal:    terminal,
		CreatedAt:   time.Now().UTC().Add(-age),
	}))
}

func TestRunAllPrunesExpiredCheckpoints(t *testing.T) {
	cpStore := checkpoint.NewMemoryStore()
	svc, _ := newService(cpStore, approval.NewMemoryStore())
	ctx := context.Background()

	// Terminated thread entirely past the TTL.
	putCheckpoint(t, cpStore, "thread-old", 1, 10*24*time.Hour, false)
	putCheckpoint(t, cpStore, "thread-old", 2, 10*24*time.Hour, true)
	// Live thread past the TTL keeps its latest checkpoint.
	putCheckpoint(t, cpStore, "thread-live", 1, 10*24*time.Hour, false)
	putCheckpoint(t, cpStore, "thread-live", 2, 10*24*time.Hour, false)
	// Recent thread is untouched.
	putCheckpoint(t, cpStore, "thread-new", 1, time.Hour, false)

	svc.RunAll(ctx)

	_, err := cpStore.GetLatest(ctx, "thread-old")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	live, err := cpStore.List(ctx, "thread-live")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.EqualValues(t, 2, live[0].ID)

	fresh, err := cpStore.List(ctx, "thread-new")
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestRunAllExpiresStaleApprovals(t *testing.T) {
	apStore := approval.NewMemoryStore()
	svc, mgr := newService(checkpoint.NewMemoryStore(), apStore)
	ctx := context.Background()

	stale := approval.Request{
		RequestID:       "req-stale",
		WorkflowID:      "wf-1",
		ThreadID:        "thread-1",
		CheckpointID:    3,
		AgentName:       "infrastructure",
		RiskLevel:       model.RiskCritical,
		Status:          model.ApprovalPending,
		CreatedAt:       time.Now().UTC().Add(-48 * time.Hour),
		ExternalIssueID: "REL-9",
	}
	fresh := stale
	fresh.RequestID = "req-fresh"
	fresh.WorkflowID = "wf-2"
	fresh.CreatedAt = time.Now().UTC()
	fresh.ExternalIssueID = "REL-10"
	require.NoError(t, apStore.Insert(ctx, stale))
	require.NoError(t, apStore.Insert(ctx, fresh))

	svc.RunAll(ctx)

	row, err := mgr.Get(ctx, "req-stale")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, row.Status)

	row, err = mgr.Get(ctx, "req-fresh")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, row.Status)
}

func TestStartStop(t *testing.T) {
	svc, _ := newService(checkpoint.NewMemoryStore(), approval.NewMemoryStore())

	svc.Start(context.Background())
	svc.Stop()

	// Stop is idempotent once the loop has exited.
	svc.Stop()
}
