package poolmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Worker modes. A worker's mode selects which document source it polls;
// changes take effect at the worker's next poll, never mid-job.
const (
	ModeIndex = "index"
	ModeActe  = "acte"
)

const (
	modesKey     = "ocr:pool:modes"
	heartbeatKey = "ocr:pool:heartbeat"
)

// Config sizes the worker pool and its rebalancing behaviour.
type Config struct {
	PoolSize           int
	MinIndexWorkers    int
	MinActeWorkers     int
	RebalanceInterval  time.Duration
	RebalanceThreshold int

	// FlexBias is the mode the flex share leans toward at startup.
	FlexBias string
}

// Validate rejects impossible pool shapes at startup.
func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return errors.New("pool_size must be positive")
	}
	if c.MinIndexWorkers+c.MinActeWorkers > c.PoolSize {
		return fmt.Errorf("min_index_workers (%d) + min_acte_workers (%d) exceeds pool_size (%d)",
			c.MinIndexWorkers, c.MinActeWorkers, c.PoolSize)
	}
	return nil
}

// Allocation is a mode headcount.
type Allocation struct {
	Index int `json:"index"`
	Acte  int `json:"acte"`
}

// Manager owns the worker→mode assignment for a fixed pool of generic
// workers. Assignments persist in a Redis hash so a worker recovering from a
// crash resumes its previous mode. Rebalancing shifts at most one flex
// worker per tick toward the heavier class and never violates the minima.
type Manager struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a pool manager handle.
func NewManager(rdb *redis.Client, cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = 5
	}
	if cfg.FlexBias == "" {
		cfg.FlexBias = ModeIndex
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With("component", "pool_manager"),
	}, nil
}

// InitialAllocation distributes the pool across the minima, with the flex
// share leaning toward the configured bias mode.
func (m *Manager) InitialAllocation() Allocation {
	flex := m.cfg.PoolSize - m.cfg.MinIndexWorkers - m.cfg.MinActeWorkers
	alloc := Allocation{Index: m.cfg.MinIndexWorkers, Acte: m.cfg.MinActeWorkers}
	if m.cfg.FlexBias == ModeActe {
		alloc.Acte += flex
	} else {
		alloc.Index += flex
	}
	return alloc
}

// AssignMode persists a worker's mode.
func (m *Manager) AssignMode(ctx context.Context, workerID, mode string) error {
	if mode != ModeIndex && mode != ModeActe {
		return fmt.Errorf("invalid mode %q", mode)
	}
	if err := m.rdb.HSet(ctx, modesKey, workerID, mode).Err(); err != nil {
		return fmt.Errorf("assign mode %s=%s: %w", workerID, mode, err)
	}
	return nil
}

// Mode returns a worker's persisted mode, or "" when the worker has never
// been assigned one.
func (m *Manager) Mode(ctx context.Context, workerID string) (string, error) {
	mode, err := m.rdb.HGet(ctx, modesKey, workerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read mode %s: %w", workerID, err)
	}
	return mode, nil
}

// CurrentAllocation counts workers per mode.
func (m *Manager) CurrentAllocation(ctx context.Context) (Allocation, error) {
	modes, err := m.rdb.HGetAll(ctx, modesKey).Result()
	if err != nil {
		return Allocation{}, fmt.Errorf("read modes: %w", err)
	}
	var alloc Allocation
	for _, mode := range modes {
		switch mode {
		case ModeIndex:
			alloc.Index++
		case ModeActe:
			alloc.Acte++
		}
	}
	return alloc, nil
}

// Rebalance shifts one flex worker toward the heavier class when the queue
// composition is lopsided: one class at or above the threshold of pending
// jobs while the other sits below it. Minima are never violated.
func (m *Manager) Rebalance(ctx context.Context, pending map[string]int) error {
	modes, err := m.rdb.HGetAll(ctx, modesKey).Result()
	if err != nil {
		return fmt.Errorf("rebalance: read modes: %w", err)
	}

	var indexWorkers, acteWorkers []string
	for id, mode := range modes {
		switch mode {
		case ModeIndex:
			indexWorkers = append(indexWorkers, id)
		case ModeActe:
			acteWorkers = append(acteWorkers, id)
		}
	}

	indexPending := pending[ModeIndex]
	actePending := pending[ModeActe]
	threshold := m.cfg.RebalanceThreshold

	var from []string
	var toMode string
	var minFrom int
	switch {
	case indexPending >= threshold && actePending < threshold:
		from, toMode, minFrom = acteWorkers, ModeIndex, m.cfg.MinActeWorkers
	case actePending >= threshold && indexPending < threshold:
		from, toMode, minFrom = indexWorkers, ModeActe, m.cfg.MinIndexWorkers
	default:
		return nil
	}

	if len(from) <= minFrom {
		return nil
	}

	// Move exactly one worker. The worker notices at its next poll.
	shifted := from[0]
	if err := m.AssignMode(ctx, shifted, toMode); err != nil {
		return err
	}
	m.logger.Info("rebalanced worker",
		"worker_id", shifted,
		"new_mode", toMode,
		"index_pending", indexPending,
		"acte_pending", actePending)
	return nil
}

// Heartbeat records a worker's liveness timestamp.
func (m *Manager) Heartbeat(ctx context.Context, workerID string) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if err := m.rdb.HSet(ctx, heartbeatKey, workerID, ts).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	return nil
}

// DeadWorkers returns worker IDs whose last heartbeat is older than the
// threshold.
func (m *Manager) DeadWorkers(ctx context.Context, threshold time.Duration) ([]string, error) {
	beats, err := m.rdb.HGetAll(ctx, heartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}
	cutoff := time.Now().Add(-threshold).Unix()
	var dead []string
	for id, raw := range beats {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts < cutoff {
			dead = append(dead, id)
		}
	}
	return dead, nil
}

// RemoveWorkers clears mode assignments and heartbeats for dead workers.
func (m *Manager) RemoveWorkers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := m.rdb.TxPipeline()
	pipe.HDel(ctx, modesKey, ids...)
	pipe.HDel(ctx, heartbeatKey, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove workers: %w", err)
	}
	return nil
}
