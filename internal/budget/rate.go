package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimit caps one provider's spend inside a 60 second window.
type RateLimit struct {
	RPM int `json:"rpm" mapstructure:"rpm" yaml:"rpm"`
	TPM int `json:"tpm" mapstructure:"tpm" yaml:"tpm"`
}

// Admission is the outcome of TryAdmit. When Admitted is false, RetryAfter
// holds the time remaining in the current window.
type Admission struct {
	Admitted   bool
	RetryAfter time.Duration
	Reason     string
}

// RateBudget tracks per-provider requests/min and tokens/min across every
// worker process, backed by Redis counters. Counters live in minute-bucketed
// keys with a short TTL, so the window reset is idempotent by construction:
// any number of processes observing the same minute increment the same keys,
// and stale buckets expire on their own.
//
// Token accounting is estimate-only: the pre-call estimate is charged on
// admission and never reconciled against actual usage.
type RateBudget struct {
	rdb    *redis.Client
	limits map[string]RateLimit
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// RateBudgetStatus reports one provider's window state.
type RateBudgetStatus struct {
	Provider      string        `json:"provider"`
	RequestsUsed  int           `json:"requests_used"`
	RequestsLimit int           `json:"requests_limit"`
	TokensUsed    int           `json:"tokens_used"`
	TokensLimit   int           `json:"tokens_limit"`
	WindowRemains time.Duration `json:"window_remains"`
}

// NewRateBudget creates a rate budget handle. limits maps provider names
// (primary/fallback) to their per-window caps.
func NewRateBudget(rdb *redis.Client, limits map[string]RateLimit, logger *slog.Logger) *RateBudget {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateBudget{
		rdb:    rdb,
		limits: limits,
		logger: logger.With("component", "rate_budget"),
		now:    time.Now,
	}
}

func bucketKeys(provider string, bucket int64) (rpmKey, tpmKey string) {
	rpmKey = fmt.Sprintf("ocr:rate:%s:%d:rpm", provider, bucket)
	tpmKey = fmt.Sprintf("ocr:rate:%s:%d:tpm", provider, bucket)
	return rpmKey, tpmKey
}

func (b *RateBudget) windowKeys(provider string) (rpmKey, tpmKey string, remains time.Duration) {
	now := b.now()
	rpmKey, tpmKey = bucketKeys(provider, now.Unix()/60)
	remains = time.Duration(60-now.Unix()%60) * time.Second
	return rpmKey, tpmKey, remains
}

// TryAdmit charges one request plus estimatedTokens against the provider's
// current window. Both counters are incremented atomically (single pipeline);
// on over-budget the increments are compensated so a deferred caller does not
// consume budget. Store errors are surfaced as-is and are retryable.
func (b *RateBudget) TryAdmit(ctx context.Context, provider string, estimatedTokens int) (Admission, error) {
	limit, ok := b.limits[provider]
	if !ok {
		return Admission{}, fmt.Errorf("unknown provider %q", provider)
	}

	rpmKey, tpmKey, remains := b.windowKeys(provider)

	pipe := b.rdb.TxPipeline()
	rpmCmd := pipe.IncrBy(ctx, rpmKey, 1)
	tpmCmd := pipe.IncrBy(ctx, tpmKey, int64(estimatedTokens))
	pipe.Expire(ctx, rpmKey, 2*time.Minute)
	pipe.Expire(ctx, tpmKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Admission{}, fmt.Errorf("rate admit %s: %w", provider, err)
	}

	rpmUsed := rpmCmd.Val()
	tpmUsed := tpmCmd.Val()

	if rpmUsed > int64(limit.RPM) || tpmUsed > int64(limit.TPM) {
		// Give the charge back before deferring.
		comp := b.rdb.TxPipeline()
		comp.DecrBy(ctx, rpmKey, 1)
		comp.DecrBy(ctx, tpmKey, int64(estimatedTokens))
		if _, err := comp.Exec(ctx); err != nil {
			b.logger.Warn("failed to compensate deferred admission", "provider", provider, "error", err)
		}

		reason := "rpm"
		if tpmUsed > int64(limit.TPM) {
			reason = "tpm"
		}
		return Admission{Admitted: false, RetryAfter: remains, Reason: reason}, nil
	}

	return Admission{Admitted: true}, nil
}

// ResetWindow clears the previous window's leftover counters. The current
// window's keys are never touched, so a boundary tick landing after other
// workers already admitted calls in the new window cannot re-open a
// saturated budget. Redundant calls from any number of processes are safe:
// deleting an already-deleted bucket is a no-op, and the TTL would expire
// the keys anyway.
func (b *RateBudget) ResetWindow(ctx context.Context) error {
	prev := b.now().Unix()/60 - 1
	var keys []string
	for provider := range b.limits {
		rpmKey, tpmKey := bucketKeys(provider, prev)
		keys = append(keys, rpmKey, tpmKey)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset rate window: %w", err)
	}
	return nil
}

const (
	activeWorkersKey = "ocr:rate:active_workers"
	workerClassKey   = "ocr:rate:worker:"
)

// RegisterWorker records a worker as active for its job class. Idempotent:
// re-registering the same worker ID does not inflate the class count.
func (b *RateBudget) RegisterWorker(ctx context.Context, workerID, class string) error {
	set, err := b.rdb.SetNX(ctx, workerClassKey+workerID, class, 0).Result()
	if err != nil {
		return fmt.Errorf("register worker %s: %w", workerID, err)
	}
	if !set {
		return nil
	}
	if err := b.rdb.HIncrBy(ctx, activeWorkersKey, class, 1).Err(); err != nil {
		return fmt.Errorf("register worker %s: %w", workerID, err)
	}
	return nil
}

// DeregisterWorker removes a worker from the active counts. Idempotent.
func (b *RateBudget) DeregisterWorker(ctx context.Context, workerID string) error {
	class, err := b.rdb.GetDel(ctx, workerClassKey+workerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	if err := b.rdb.HIncrBy(ctx, activeWorkersKey, class, -1).Err(); err != nil {
		return fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	return nil
}

// ActiveWorkers returns the current in-flight worker count per job class.
func (b *RateBudget) ActiveWorkers(ctx context.Context) (map[string]int, error) {
	raw, err := b.rdb.HGetAll(ctx, activeWorkersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("active workers: %w", err)
	}
	counts := make(map[string]int, len(raw))
	for class, v := range raw {
		var n int
		fmt.Sscanf(v, "%d", &n)
		counts[class] = n
	}
	return counts, nil
}

// Status snapshots one provider's window usage for logs.
func (b *RateBudget) Status(ctx context.Context, provider string) (RateBudgetStatus, error) {
	limit, ok := b.limits[provider]
	if !ok {
		return RateBudgetStatus{}, fmt.Errorf("unknown provider %q", provider)
	}
	rpmKey, tpmKey, remains := b.windowKeys(provider)

	pipe := b.rdb.Pipeline()
	rpmCmd := pipe.Get(ctx, rpmKey)
	tpmCmd := pipe.Get(ctx, tpmKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return RateBudgetStatus{}, fmt.Errorf("rate status %s: %w", provider, err)
	}

	rpmUsed, _ := rpmCmd.Int()
	tpmUsed, _ := tpmCmd.Int()
	return RateBudgetStatus{
		Provider:      provider,
		RequestsUsed:  rpmUsed,
		RequestsLimit: limit.RPM,
		TokensUsed:    tpmUsed,
		TokensLimit:   limit.TPM,
		WindowRemains: remains,
	}, nil
}

// EstimateTokens approximates the token cost of a call from prompt byte
// length plus the expected output budget. The estimate is the accounting;
// it is never reconciled against actual usage.
func EstimateTokens(promptBytes, expectedOutputTokens int) int {
	return promptBytes/4 + expectedOutputTokens
}
