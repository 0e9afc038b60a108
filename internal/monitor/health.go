package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/Paraito/registre-extractor-sub002/internal/budget"
	"github.com/Paraito/registre-extractor-sub002/internal/poolmgr"
)

// HealthConfig drives the supervision sweep.
type HealthConfig struct {
	// StaleCheckInterval is the sweep cadence.
	StaleCheckInterval time.Duration

	// StaleJobThreshold is how long a claim may sit in OCR-in-progress
	// before it is considered stranded.
	StaleJobThreshold time.Duration

	// DeadWorkerThreshold is the heartbeat age past which a worker is
	// considered gone.
	DeadWorkerThreshold time.Duration
}

func (c *HealthConfig) applyDefaults() {
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = 30 * time.Second
	}
	if c.StaleJobThreshold <= 0 {
		c.StaleJobThreshold = 3 * time.Minute
	}
	if c.DeadWorkerThreshold <= 0 {
		c.DeadWorkerThreshold = 2 * time.Minute
	}
}

// HealthMonitor reclaims jobs stranded by crashed workers and cleans up
// dead-worker state. Every step is guarded or idempotent, so running one
// instance per process is safe.
type HealthMonitor struct {
	cfg      HealthConfig
	stores   []JobStore
	mgr      *poolmgr.Manager
	rate     *budget.RateBudget
	capacity *budget.CapacityBudget
	logger   *slog.Logger
}

// NewHealthMonitor creates the supervision loop. rate and capacity may be
// nil in tests.
func NewHealthMonitor(cfg HealthConfig, stores []JobStore, mgr *poolmgr.Manager, rate *budget.RateBudget, capacity *budget.CapacityBudget, logger *slog.Logger) *HealthMonitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		cfg:      cfg,
		stores:   stores,
		mgr:      mgr,
		rate:     rate,
		capacity: capacity,
		logger:   logger.With("component", "health_monitor"),
	}
}

// Run sweeps until ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) {
	h.logger.Info("health monitor started",
		"check_interval", h.cfg.StaleCheckInterval,
		"stale_threshold", h.cfg.StaleJobThreshold,
		"dead_worker_threshold", h.cfg.DeadWorkerThreshold)

	ticker := time.NewTicker(h.cfg.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h.Sweep(ctx)
	}
}

// Sweep runs one supervision pass: revert stranded claims, then clean up
// workers whose heartbeats went quiet.
func (h *HealthMonitor) Sweep(ctx context.Context) {
	for _, store := range h.stores {
		ids, err := store.ResetStaleJobs(ctx, h.cfg.StaleJobThreshold)
		if err != nil {
			h.logger.Warn("stale job sweep failed", "env", store.Env(), "error", err)
			continue
		}
		if len(ids) > 0 {
			h.logger.Warn("reclaimed stranded jobs", "env", store.Env(), "count", len(ids), "job_ids", ids)
		}
	}

	h.cleanupDeadWorkers(ctx)
}

func (h *HealthMonitor) cleanupDeadWorkers(ctx context.Context) {
	if h.mgr == nil {
		return
	}
	dead, err := h.mgr.DeadWorkers(ctx, h.cfg.DeadWorkerThreshold)
	if err != nil {
		h.logger.Warn("dead worker scan failed", "error", err)
		return
	}
	if len(dead) == 0 {
		return
	}

	h.logger.Warn("cleaning up dead workers", "worker_ids", dead)

	if err := h.mgr.RemoveWorkers(ctx, dead); err != nil {
		h.logger.Warn("failed to remove dead worker state", "error", err)
	}
	if h.capacity != nil {
		if err := h.capacity.ReleaseAll(ctx, dead); err != nil {
			h.logger.Warn("failed to release dead worker capacity", "error", err)
		}
	}
	if h.rate != nil {
		for _, id := range dead {
			if err := h.rate.DeregisterWorker(ctx, id); err != nil {
				h.logger.Warn("failed to deregister dead worker", "worker_id", id, "error", err)
			}
		}
	}
}
