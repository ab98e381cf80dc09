// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/coderelay/relay/pkg/approval"
	"github.com/coderelay/relay/pkg/checkpoint"
)

// Config tunes the retention sweep.
type Config struct {
	Interval      time.Duration // cadence of the sweep loop
	CheckpointTTL time.Duration // non-terminal checkpoints older than this are pruned
}

// Service periodically enforces retention policies:
//   - Prunes expired checkpoints, keeping every thread's latest
//   - Expires approval requests that outlived their timeout
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	cfg       Config
	store     checkpoint.Store
	approvals *approval.Manager

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg Config, store checkpoint.Store, approvals *approval.Manager) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		approvals: approvals,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"checkpoint_ttl", s.cfg.CheckpointTTL,
		"interval", s.cfg.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one sweep. Exposed for operational tooling that wants
// an on-demand pass.
func (s *Service) RunAll(ctx context.Context) {
	s.pruneCheckpoints(ctx)
	s.expireApprovals(ctx)
}

func (s *Service) pruneCheckpoints(ctx context.Context) {
	count, err := s.store.PruneExpired(ctx, time.Now().UTC().Add(-s.cfg.CheckpointTTL))
	if err != nil {
		slog.Error("Retention: checkpoint prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned expired checkpoints", "count", count)
	}
}

func (s *Service) expireApprovals(ctx context.Context) {
	count, err := s.approvals.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("Retention: approval expiry failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: expired stale approvals", "count", count)
	}
}
