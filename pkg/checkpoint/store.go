// Package checkpoint provides durable persistence of workflow state
// snapshots, keyed by thread and a per-thread monotone sequence number.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/coderelay/relay/pkg/model"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no checkpoint exists for the requested key.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrConflict indicates another writer already persisted a checkpoint
	// with the same (thread_id, checkpoint_id). The caller lost the
	// single-writer race and must abort its advance.
	ErrConflict = errors.New("checkpoint conflict")

	// ErrStoreUnavailable indicates the backing store is unreachable.
	ErrStoreUnavailable = errors.New("checkpoint store unavailable")

	// ErrBusy indicates the per-thread advisory lock is held elsewhere.
	ErrBusy = errors.New("thread is busy")
)

// Checkpoint is a snapshot of workflow state at a node boundary.
// ID is monotonically increasing within a thread; the highest ID is the
// resume point.
type Checkpoint struct {
	ThreadID    string
	ID          int64
	ParentID    int64 // 0 for the first checkpoint of a thread
	State       model.WorkflowState
	NodeJustRan string
	Terminal    bool // set when the run reached "end" or failed terminally
	CreatedAt   time.Time
}

// Store persists checkpoints.
//
// Put is atomic: the checkpoint becomes visible in full or not at all.
// Concurrent Put calls for the same (thread, id) resolve to exactly one
// winner; losers receive ErrConflict.
type Store interface {
	Put(ctx context.Context, cp Checkpoint) error
	GetLatest(ctx context.Context, threadID string) (Checkpoint, error)
	Get(ctx context.Context, threadID string, id int64) (Checkpoint, error)
	List(ctx context.Context, threadID string) ([]Checkpoint, error)
	DeleteThread(ctx context.Context, threadID string) error

	// PruneExpired removes non-terminal checkpoints older than the TTL,
	// always retaining the latest checkpoint of every thread that has not
	// terminated. Returns the number of rows removed.
	PruneExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// Locker serialises advance/resume per thread. At most one holder per
// thread at any instant.
type Locker interface {
	// LockThread acquires the advisory lock for threadID, waiting up to
	// maxWait. Returns ErrBusy when the lock cannot be acquired in time.
	LockThread(ctx context.Context, threadID string, maxWait time.Duration) (UnlockFunc, error)
}

// UnlockFunc releases a previously acquired thread lock.
type UnlockFunc func()
