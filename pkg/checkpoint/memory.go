package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/coderelay/relay/pkg/model"
)

// MemoryStore is an in-memory Store and Locker for tests and local
// development. Checkpoints round-trip through JSON so serialisation
// behaviour matches the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string][]Checkpoint

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]Checkpoint),
		locks:   make(map[string]chan struct{}),
	}
}

// Put stores a checkpoint. Returns ErrConflict if (thread, id) exists.
func (s *MemoryStore) Put(_ context.Context, cp Checkpoint) error {
	data, err := cp.State.Marshal()
	if err != nil {
		return err
	}
	state, err := model.UnmarshalState(data)
	if err != nil {
		return err
	}
	cp.State = state
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.threads[cp.ThreadID] {
		if existing.ID == cp.ID {
			return ErrConflict
		}
	}
	s.threads[cp.ThreadID] = append(s.threads[cp.ThreadID], cp)
	return nil
}

// GetLatest returns the checkpoint with the highest ID for the thread.
func (s *MemoryStore) GetLatest(_ context.Context, threadID string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.threads[threadID]
	if len(cps) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.ID > latest.ID {
			latest = cp
		}
	}
	return latest, nil
}

// Get returns a specific checkpoint.
func (s *MemoryStore) Get(_ context.Context, threadID string, id int64) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.threads[threadID] {
		if cp.ID == id {
			return cp, nil
		}
	}
	return Checkpoint{}, ErrNotFound
}

// List returns all checkpoints of a thread ordered by ID ascending.
func (s *MemoryStore) List(_ context.Context, threadID string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.threads[threadID]
	out := make([]Checkpoint, len(cps))
	copy(out, cps)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// PruneExpired removes non-terminal checkpoints older than the cutoff,
// keeping each live thread's latest checkpoint.
func (s *MemoryStore) PruneExpired(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for threadID, cps := range s.threads {
		var maxID int64
		terminated := false
		for _, cp := range cps {
			if cp.ID > maxID {
				maxID = cp.ID
				terminated = cp.Terminal
			}
		}
		kept := cps[:0]
		for _, cp := range cps {
			isLatest := cp.ID == maxID
			if cp.CreatedAt.Before(olderThan) && !(isLatest && !terminated) {
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(s.threads, threadID)
		} else {
			s.threads[threadID] = kept
		}
	}
	return removed, nil
}

// LockThread implements Locker with a per-thread channel semaphore.
func (s *MemoryStore) LockThread(ctx context.Context, threadID string, maxWait time.Duration) (UnlockFunc, error) {
	s.lockMu.Lock()
	ch, ok := s.locks[threadID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[threadID] = ch
	}
	s.lockMu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
