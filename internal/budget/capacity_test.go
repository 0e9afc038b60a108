package budget

import (
	"context"
	"testing"
)

func testCapacityBudget(t *testing.T) *CapacityBudget {
	t.Helper()
	return NewCapacityBudget(testRedis(t),
		ServerCapacity{CPUMax: 10, RAMMax: 10, ReserveCPUPercent: 20, ReserveRAMPercent: 20},
		map[string]ClassCost{
			"registre":  {CPU: 3, RAM: 1},
			"index-ocr": {CPU: 1, RAM: 1},
			"acte-ocr":  {CPU: 2, RAM: 2},
		}, nil)
}

func TestCapacityUsable(t *testing.T) {
	c := ServerCapacity{CPUMax: 10, RAMMax: 20, ReserveCPUPercent: 20, ReserveRAMPercent: 50}
	cpu, ram := c.Usable()
	if cpu != 8 || ram != 10 {
		t.Errorf("usable = (%v, %v), want (8, 10)", cpu, ram)
	}
}

func TestCapacityCheckAndAllocate(t *testing.T) {
	ctx := context.Background()
	b := testCapacityBudget(t)

	// Usable: 8 CPU, 8 RAM. Four index-ocr workers fit.
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		d, err := b.Check(ctx, "index-ocr")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("worker %d denied: %s", i+1, d.Reason)
		}
		if err := b.Allocate(ctx, id, "index-ocr"); err != nil {
			t.Fatal(err)
		}
	}

	// 4 CPU / 4 RAM left; acte-ocr (2/2) fits, registre (3/1) fits, but
	// after two more acte-ocr nothing heavier than 0 CPU fits.
	if err := b.Allocate(ctx, "e", "acte-ocr"); err != nil {
		t.Fatal(err)
	}
	if err := b.Allocate(ctx, "f", "acte-ocr"); err != nil {
		t.Fatal(err)
	}

	d, err := b.Check(ctx, "index-ocr")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("full server should deny, decision: %+v", d)
	}
	if d.Reason == "" {
		t.Error("denial should carry a reason")
	}
	if d.CPUAvailable != 0 {
		t.Errorf("cpu available = %v, want 0", d.CPUAvailable)
	}
}

func TestCapacityAllocateIdempotent(t *testing.T) {
	ctx := context.Background()
	b := testCapacityBudget(t)

	for i := 0; i < 3; i++ {
		if err := b.Allocate(ctx, "w1", "registre"); err != nil {
			t.Fatal(err)
		}
	}

	d, err := b.Check(ctx, "index-ocr")
	if err != nil {
		t.Fatal(err)
	}
	if d.CPUAllocated != 3 || d.RAMAllocated != 1 {
		t.Errorf("allocated = (%v, %v), repeated Allocate must not stack", d.CPUAllocated, d.RAMAllocated)
	}
}

func TestCapacityRelease(t *testing.T) {
	ctx := context.Background()
	b := testCapacityBudget(t)

	if err := b.Allocate(ctx, "w1", "acte-ocr"); err != nil {
		t.Fatal(err)
	}
	if err := b.Allocate(ctx, "w2", "acte-ocr"); err != nil {
		t.Fatal(err)
	}

	if err := b.Release(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	// Releasing again is a no-op.
	if err := b.Release(ctx, "w1"); err != nil {
		t.Fatal(err)
	}

	d, err := b.Check(ctx, "index-ocr")
	if err != nil {
		t.Fatal(err)
	}
	if d.CPUAllocated != 2 || d.RAMAllocated != 2 {
		t.Errorf("allocated = (%v, %v), want w2 only", d.CPUAllocated, d.RAMAllocated)
	}

	if err := b.ReleaseAll(ctx, []string{"w2", "ghost"}); err != nil {
		t.Fatal(err)
	}
	d, err = b.Check(ctx, "index-ocr")
	if err != nil {
		t.Fatal(err)
	}
	if d.CPUAllocated != 0 {
		t.Errorf("allocated cpu = %v after ReleaseAll", d.CPUAllocated)
	}
}

func TestCapacityUnknownClass(t *testing.T) {
	ctx := context.Background()
	b := testCapacityBudget(t)

	if _, err := b.Check(ctx, "mystery"); err == nil {
		t.Error("unknown class should error on Check")
	}
	if err := b.Allocate(ctx, "w1", "mystery"); err == nil {
		t.Error("unknown class should error on Allocate")
	}
}
