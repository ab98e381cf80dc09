package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coderelay/relay/pkg/model"
)

// PostgresStore persists checkpoints in the checkpoints table.
// Conflict detection relies on the (thread_id, checkpoint_id) primary key:
// the losing writer of a concurrent advance receives a unique violation,
// surfaced as ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// Put inserts a checkpoint row.
func (s *PostgresStore) Put(ctx context.Context, cp Checkpoint) error {
	blob, err := cp.State.Marshal()
	if err != nil {
		return fmt.Errorf("encoding workflow state: %w", err)
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, node_just_ran, terminal, state_blob, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.ThreadID, cp.ID, nullableID(cp.ParentID), cp.NodeJustRan, cp.Terminal, blob, createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return wrapStoreErr(err)
	}
	return nil
}

// GetLatest returns the checkpoint with the highest checkpoint_id.
func (s *PostgresStore) GetLatest(ctx context.Context, threadID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_id, node_just_ran, terminal, state_blob, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY checkpoint_id DESC
		LIMIT 1`, threadID)
	return scanCheckpoint(row)
}

// Get returns a specific checkpoint.
func (s *PostgresStore) Get(ctx context.Context, threadID string, id int64) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_id, node_just_ran, terminal, state_blob, created_at
		FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_id = $2`, threadID, id)
	return scanCheckpoint(row)
}

// List returns all checkpoints for a thread, oldest first.
func (s *PostgresStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_id, node_just_ran, terminal, state_blob, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY checkpoint_id ASC`, threadID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteThread removes every checkpoint of a thread.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	return wrapStoreErr(err)
}

// PruneExpired removes checkpoints created before the cutoff, except the
// latest checkpoint of any thread whose newest checkpoint is not terminal.
func (s *PostgresStore) PruneExpired(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints c
		WHERE c.created_at < $1
		  AND NOT (
			c.checkpoint_id = (
				SELECT MAX(checkpoint_id) FROM checkpoints m WHERE m.thread_id = c.thread_id
			)
			AND NOT c.terminal
		  )`, olderThan)
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// LockThread acquires a Postgres advisory lock keyed by a hash of the
// thread id. Advisory locks are session-scoped, so the lock pins a
// dedicated connection for its lifetime.
func (s *PostgresStore) LockThread(ctx context.Context, threadID string, maxWait time.Duration) (UnlockFunc, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	key := advisoryKey(threadID)
	deadline := time.Now().Add(maxWait)
	for {
		var acquired bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
			_ = conn.Close()
			return nil, wrapStoreErr(err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			_ = conn.Close()
			return nil, ErrBusy
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		}
	}

	return func() {
		// Unlock on a fresh context: the caller's context may already be done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, key)
		_ = conn.Close()
	}, nil
}

func advisoryKey(threadID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(threadID))
	return int64(h.Sum64())
}

func nullableID(id int64) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp       Checkpoint
		parentID sql.NullInt64
		blob     []byte
	)
	err := row.Scan(&cp.ThreadID, &cp.ID, &parentID, &cp.NodeJustRan, &cp.Terminal, &blob, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, wrapStoreErr(err)
	}
	cp.ParentID = parentID.Int64
	state, err := model.UnmarshalState(blob)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.State = state
	return cp, nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
