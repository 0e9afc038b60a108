package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ClassCost is the CPU/RAM price of one worker of a given class.
type ClassCost struct {
	CPU float64 `json:"cpu" mapstructure:"cpu" yaml:"cpu"`
	RAM float64 `json:"ram" mapstructure:"ram" yaml:"ram"`
}

// ServerCapacity describes the host budget shared by every worker class.
// Reserve percentages are held back from the raw maxima for the OS and the
// upstream extractor processes.
type ServerCapacity struct {
	CPUMax            float64 `json:"cpu_max" mapstructure:"cpu_max" yaml:"cpu_max"`
	RAMMax            float64 `json:"ram_max" mapstructure:"ram_max" yaml:"ram_max"`
	ReserveCPUPercent float64 `json:"reserve_cpu_percent" mapstructure:"reserve_cpu_percent" yaml:"reserve_cpu_percent"`
	ReserveRAMPercent float64 `json:"reserve_ram_percent" mapstructure:"reserve_ram_percent" yaml:"reserve_ram_percent"`
}

// Usable returns the capacity left after reserves.
func (c ServerCapacity) Usable() (cpu, ram float64) {
	return c.CPUMax * (1 - c.ReserveCPUPercent/100),
		c.RAMMax * (1 - c.ReserveRAMPercent/100)
}

// Decision is the outcome of a capacity check.
type Decision struct {
	Allowed      bool    `json:"allowed"`
	Reason       string  `json:"reason,omitempty"`
	CPUAllocated float64 `json:"cpu_allocated"`
	RAMAllocated float64 `json:"ram_allocated"`
	CPUAvailable float64 `json:"cpu_available"`
	RAMAvailable float64 `json:"ram_available"`
}

type allocation struct {
	Class string  `json:"class"`
	CPU   float64 `json:"cpu"`
	RAM   float64 `json:"ram"`
}

const capacityAllocKey = "ocr:capacity:allocations"

// CapacityBudget is the shared CPU/RAM ledger for heterogeneous worker
// classes (registre, index-ocr, acte-ocr). Allocations live in one Redis
// hash keyed by worker ID, so they survive process restarts and double
// allocation by the same worker is a no-op. In-flight workers never have
// their capacity revoked; a denied check is fatal to worker startup.
type CapacityBudget struct {
	rdb      *redis.Client
	capacity ServerCapacity
	classes  map[string]ClassCost
	logger   *slog.Logger
}

// NewCapacityBudget creates a capacity budget handle.
func NewCapacityBudget(rdb *redis.Client, capacity ServerCapacity, classes map[string]ClassCost, logger *slog.Logger) *CapacityBudget {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapacityBudget{
		rdb:      rdb,
		capacity: capacity,
		classes:  classes,
		logger:   logger.With("component", "capacity_budget"),
	}
}

func (b *CapacityBudget) allocated(ctx context.Context) (cpu, ram float64, err error) {
	raw, err := b.rdb.HGetAll(ctx, capacityAllocKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read allocations: %w", err)
	}
	for workerID, v := range raw {
		var a allocation
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			b.logger.Warn("skipping malformed allocation entry", "worker_id", workerID, "error", err)
			continue
		}
		cpu += a.CPU
		ram += a.RAM
	}
	return cpu, ram, nil
}

// Check reports whether one more worker of the class fits under the
// remaining capacity. It does not reserve anything; call Allocate to commit.
func (b *CapacityBudget) Check(ctx context.Context, class string) (Decision, error) {
	cost, ok := b.classes[class]
	if !ok {
		return Decision{}, fmt.Errorf("unknown worker class %q", class)
	}

	cpuUsable, ramUsable := b.capacity.Usable()
	cpuAlloc, ramAlloc, err := b.allocated(ctx)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		CPUAllocated: cpuAlloc,
		RAMAllocated: ramAlloc,
		CPUAvailable: cpuUsable - cpuAlloc,
		RAMAvailable: ramUsable - ramAlloc,
	}
	switch {
	case d.CPUAvailable < cost.CPU:
		d.Reason = fmt.Sprintf("insufficient CPU for class %s: need %.1f, have %.1f", class, cost.CPU, d.CPUAvailable)
	case d.RAMAvailable < cost.RAM:
		d.Reason = fmt.Sprintf("insufficient RAM for class %s: need %.1f, have %.1f", class, cost.RAM, d.RAMAvailable)
	default:
		d.Allowed = true
	}
	return d, nil
}

// Allocate records a worker's capacity claim. Idempotent on worker ID: a
// worker re-allocating after a crash/restart keeps its original entry.
func (b *CapacityBudget) Allocate(ctx context.Context, workerID, class string) error {
	cost, ok := b.classes[class]
	if !ok {
		return fmt.Errorf("unknown worker class %q", class)
	}
	entry, err := json.Marshal(allocation{Class: class, CPU: cost.CPU, RAM: cost.RAM})
	if err != nil {
		return err
	}
	if err := b.rdb.HSetNX(ctx, capacityAllocKey, workerID, entry).Err(); err != nil {
		return fmt.Errorf("allocate %s: %w", workerID, err)
	}
	return nil
}

// Release removes a worker's allocation. Idempotent.
func (b *CapacityBudget) Release(ctx context.Context, workerID string) error {
	if err := b.rdb.HDel(ctx, capacityAllocKey, workerID).Err(); err != nil {
		return fmt.Errorf("release %s: %w", workerID, err)
	}
	return nil
}

// ReleaseAll removes every allocation whose worker ID is in ids. Used by the
// health monitor's dead-worker sweep.
func (b *CapacityBudget) ReleaseAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.HDel(ctx, capacityAllocKey, ids...).Err(); err != nil {
		return fmt.Errorf("release workers: %w", err)
	}
	return nil
}
