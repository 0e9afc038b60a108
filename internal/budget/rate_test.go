package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testRateBudget(t *testing.T, limits map[string]RateLimit) *RateBudget {
	t.Helper()
	b := NewRateBudget(testRedis(t), limits, nil)
	// Pin the clock so the whole test runs inside one window.
	fixed := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	return b
}

func TestTryAdmitCeilings(t *testing.T) {
	ctx := context.Background()

	t.Run("rpm ceiling", func(t *testing.T) {
		b := testRateBudget(t, map[string]RateLimit{"primary": {RPM: 3, TPM: 1000}})

		for i := 0; i < 3; i++ {
			adm, err := b.TryAdmit(ctx, "primary", 10)
			if err != nil {
				t.Fatal(err)
			}
			if !adm.Admitted {
				t.Fatalf("admission %d rejected", i+1)
			}
		}

		adm, err := b.TryAdmit(ctx, "primary", 10)
		if err != nil {
			t.Fatal(err)
		}
		if adm.Admitted {
			t.Fatal("fourth admission should be deferred")
		}
		if adm.Reason != "rpm" {
			t.Errorf("reason = %q", adm.Reason)
		}
		if adm.RetryAfter <= 0 || adm.RetryAfter > time.Minute {
			t.Errorf("retry_after = %v, want within the window", adm.RetryAfter)
		}
	})

	t.Run("tpm ceiling", func(t *testing.T) {
		b := testRateBudget(t, map[string]RateLimit{"primary": {RPM: 100, TPM: 100}})

		if adm, _ := b.TryAdmit(ctx, "primary", 90); !adm.Admitted {
			t.Fatal("first admission should fit")
		}
		adm, err := b.TryAdmit(ctx, "primary", 50)
		if err != nil {
			t.Fatal(err)
		}
		if adm.Admitted {
			t.Fatal("token overrun should defer")
		}
		if adm.Reason != "tpm" {
			t.Errorf("reason = %q", adm.Reason)
		}
	})

	t.Run("deferred admission does not consume budget", func(t *testing.T) {
		b := testRateBudget(t, map[string]RateLimit{"primary": {RPM: 100, TPM: 100}})

		if adm, _ := b.TryAdmit(ctx, "primary", 90); !adm.Admitted {
			t.Fatal("setup admission failed")
		}
		if adm, _ := b.TryAdmit(ctx, "primary", 50); adm.Admitted {
			t.Fatal("overrun should defer")
		}
		// The compensated charge leaves room for a small call.
		if adm, _ := b.TryAdmit(ctx, "primary", 10); !adm.Admitted {
			t.Fatal("deferred charge was not compensated")
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		b := testRateBudget(t, map[string]RateLimit{"primary": {RPM: 1, TPM: 1}})
		if _, err := b.TryAdmit(ctx, "nope", 1); err == nil {
			t.Fatal("unknown provider should error")
		}
	})
}

func TestWindowRoll(t *testing.T) {
	ctx := context.Background()
	b := NewRateBudget(testRedis(t), map[string]RateLimit{"primary": {RPM: 1, TPM: 1000}}, nil)

	now := time.Date(2025, 6, 1, 12, 0, 59, 0, time.UTC)
	b.now = func() time.Time { return now }

	if adm, _ := b.TryAdmit(ctx, "primary", 10); !adm.Admitted {
		t.Fatal("first admission should pass")
	}
	if adm, _ := b.TryAdmit(ctx, "primary", 10); adm.Admitted {
		t.Fatal("window is saturated")
	}

	// Next minute: fresh counters.
	now = now.Add(2 * time.Second)
	if adm, _ := b.TryAdmit(ctx, "primary", 10); !adm.Admitted {
		t.Fatal("new window should admit")
	}
}

func TestResetWindowClearsPreviousBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRateBudget(rdb, map[string]RateLimit{"primary": {RPM: 1, TPM: 1000}}, nil)

	now := time.Date(2025, 6, 1, 12, 0, 59, 0, time.UTC)
	b.now = func() time.Time { return now }
	if adm, _ := b.TryAdmit(ctx, "primary", 10); !adm.Admitted {
		t.Fatal("setup admission failed")
	}
	prevRPM, prevTPM := bucketKeys("primary", now.Unix()/60)

	// Cross the boundary; redundant resets from multiple processes are safe.
	now = now.Add(2 * time.Second)
	for i := 0; i < 3; i++ {
		if err := b.ResetWindow(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if mr.Exists(prevRPM) || mr.Exists(prevTPM) {
		t.Error("previous bucket's counters should be cleared")
	}
	if adm, _ := b.TryAdmit(ctx, "primary", 10); !adm.Admitted {
		t.Fatal("fresh window should admit")
	}
}

func TestResetWindowDoesNotReopenSaturatedWindow(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	limits := map[string]RateLimit{"primary": {RPM: 3, TPM: 100_000}}
	a := NewRateBudget(redis.NewClient(&redis.Options{Addr: mr.Addr()}), limits, nil)
	b := NewRateBudget(redis.NewClient(&redis.Options{Addr: mr.Addr()}), limits, nil)

	// Two processes with skewed clocks, both inside the same window.
	boundary := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	a.now = func() time.Time { return boundary.Add(500 * time.Millisecond) }
	b.now = func() time.Time { return boundary.Add(2 * time.Second) }

	for i := 0; i < 3; i++ {
		if adm, _ := a.TryAdmit(ctx, "primary", 10); !adm.Admitted {
			t.Fatalf("admission %d rejected", i+1)
		}
	}

	// The other process's boundary tick lands after the window filled.
	if err := b.ResetWindow(ctx); err != nil {
		t.Fatal(err)
	}

	adm, err := a.TryAdmit(ctx, "primary", 10)
	if err != nil {
		t.Fatal(err)
	}
	if adm.Admitted {
		t.Fatal("boundary tick re-opened a saturated window")
	}
}

func TestWorkerRegistrationIdempotent(t *testing.T) {
	ctx := context.Background()
	b := testRateBudget(t, map[string]RateLimit{"primary": {RPM: 1, TPM: 1}})

	for i := 0; i < 3; i++ {
		if err := b.RegisterWorker(ctx, "w1", "index"); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.RegisterWorker(ctx, "w2", "acte"); err != nil {
		t.Fatal(err)
	}

	counts, err := b.ActiveWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["index"] != 1 || counts["acte"] != 1 {
		t.Fatalf("counts = %v, re-registration must not inflate", counts)
	}

	for i := 0; i < 3; i++ {
		if err := b.DeregisterWorker(ctx, "w1"); err != nil {
			t.Fatal(err)
		}
	}
	counts, err = b.ActiveWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["index"] != 0 {
		t.Fatalf("counts = %v, deregistration must be idempotent", counts)
	}
}

func TestStatusSnapshot(t *testing.T) {
	ctx := context.Background()
	b := testRateBudget(t, map[string]RateLimit{"primary": {RPM: 10, TPM: 1000}})

	for i := 0; i < 4; i++ {
		if adm, _ := b.TryAdmit(ctx, "primary", 25); !adm.Admitted {
			t.Fatal("admission failed")
		}
	}

	st, err := b.Status(ctx, "primary")
	if err != nil {
		t.Fatal(err)
	}
	if st.RequestsUsed != 4 || st.TokensUsed != 100 {
		t.Errorf("status = %+v", st)
	}
	if st.RequestsLimit != 10 || st.TokensLimit != 1000 {
		t.Errorf("limits = %+v", st)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(400, 1000); got != 1100 {
		t.Errorf("EstimateTokens = %d, want 1100", got)
	}
}
