// Package monitor holds the supervision loops: the per-worker claim loop,
// the health monitor that reclaims stranded jobs, and the pool rebalancer.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/Paraito/registre-extractor-sub002/internal/poolmgr"
	"github.com/Paraito/registre-extractor-sub002/internal/queue"
)

// JobStore is the queue surface the loops need. *queue.Store implements it;
// tests substitute an in-memory fake.
type JobStore interface {
	Env() string
	NextCandidates(ctx context.Context, source string, limit int) ([]*queue.Job, error)
	TryClaim(ctx context.Context, jobID, workerID string) (*queue.Job, error)
	MarkComplete(ctx context.Context, jobID, workerID, fileContent, boostedContent string) error
	MarkFailed(ctx context.Context, jobID, workerID string, cause error) (queue.Status, error)
	ResetStaleJobs(ctx context.Context, threshold time.Duration) ([]string, error)
	PendingCounts(ctx context.Context) (map[string]int, error)
}

// RunRebalancer periodically aggregates pending counts across every
// environment and lets the pool manager shift flex workers. The interval is
// re-read each tick so config hot-reloads take effect. Blocks until ctx is
// cancelled.
func RunRebalancer(ctx context.Context, mgr *poolmgr.Manager, stores []JobStore, interval func() time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval()):
		}

		pending := make(map[string]int)
		for _, store := range stores {
			counts, err := store.PendingCounts(ctx)
			if err != nil {
				logger.Warn("pending counts failed", "env", store.Env(), "error", err)
				continue
			}
			for source, n := range counts {
				pending[source] += n
			}
		}

		if err := mgr.Rebalance(ctx, pending); err != nil {
			logger.Warn("rebalance failed", "error", err)
		}
	}
}
