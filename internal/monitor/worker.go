package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/Paraito/registre-extractor-sub002/internal/pipeline"
	"github.com/Paraito/registre-extractor-sub002/internal/poolmgr"
	"github.com/Paraito/registre-extractor-sub002/internal/queue"
)

// ModeSource resolves a worker's current job-class assignment. Implemented
// by *poolmgr.Manager.
type ModeSource interface {
	Mode(ctx context.Context, workerID string) (string, error)
	Heartbeat(ctx context.Context, workerID string) error
}

// WorkerConfig sizes one worker loop.
type WorkerConfig struct {
	ID string

	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration

	// IdleClose releases heavy resources after this much time without a
	// claim; they are reacquired lazily on the next claim.
	IdleClose time.Duration

	// HeartbeatInterval is the liveness publication cadence.
	HeartbeatInterval time.Duration

	// CandidateBatch caps each candidate query.
	CandidateBatch int

	// PersistAttempts bounds retries on queue writes. Exhaustion is fatal
	// to the worker process; the claim is then reclaimed by the health
	// monitor.
	PersistAttempts uint

	// OnIdle, when set, is invoked once per idle period to release heavy
	// resources.
	OnIdle func()
}

func (c *WorkerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CandidateBatch <= 0 {
		c.CandidateBatch = 10
	}
	if c.PersistAttempts == 0 {
		c.PersistAttempts = 5
	}
}

// Worker is one claim loop: read the assigned mode, poll every environment
// round-robin for claimable rows, win at most one claim per cycle, dispatch
// it to the matching pipeline and persist the outcome.
type Worker struct {
	cfg       WorkerConfig
	stores    []JobStore
	modes     ModeSource
	pipelines []pipeline.Pipeline
	logger    *slog.Logger

	// rr is the round-robin offset into stores; advanced every poll so no
	// environment starves.
	rr int

	lastClaim time.Time
	idleDone  bool
}

// NewWorker creates a worker loop.
func NewWorker(cfg WorkerConfig, stores []JobStore, modes ModeSource, pipelines []pipeline.Pipeline, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:       cfg,
		stores:    stores,
		modes:     modes,
		pipelines: pipelines,
		logger:    logger.With("component", "worker", "worker_id", cfg.ID),
		lastClaim: time.Now(),
	}
}

// ID returns the worker's stable identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run executes the claim loop until ctx is cancelled. A claimed job in
// flight at cancellation is finished before Run returns; a persistently
// failing queue write is returned as an error so the process can exit
// non-zero.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker draining")
			return nil
		}

		claimed, err := w.cycle(ctx)
		if err != nil {
			return err
		}
		if claimed {
			continue
		}

		w.maybeCloseIdle()

		select {
		case <-ctx.Done():
			w.logger.Info("worker draining")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// cycle performs one poll across every environment in round-robin order and
// processes at most one claimed job.
func (w *Worker) cycle(ctx context.Context) (bool, error) {
	mode, err := w.modes.Mode(ctx, w.cfg.ID)
	if err != nil {
		w.logger.Warn("failed to read assigned mode", "error", err)
		return false, nil
	}
	if mode == "" {
		w.logger.Warn("no mode assigned yet")
		return false, nil
	}

	for i := 0; i < len(w.stores); i++ {
		store := w.stores[(w.rr+i)%len(w.stores)]
		job, err := w.claimFrom(ctx, store, mode)
		if err != nil {
			w.logger.Warn("poll failed", "env", store.Env(), "error", err)
			continue
		}
		if job == nil {
			continue
		}

		w.rr = (w.rr + i + 1) % len(w.stores)
		w.lastClaim = time.Now()
		w.idleDone = false

		// Finish the job even when a drain started; claims are never
		// abandoned mid-flight with partial writes.
		jobCtx := context.WithoutCancel(ctx)
		if err := w.process(jobCtx, store, job); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// claimFrom queries one environment and races for the first winnable
// candidate. A lost race moves on to the next candidate.
func (w *Worker) claimFrom(ctx context.Context, store JobStore, mode string) (*queue.Job, error) {
	candidates, err := store.NextCandidates(ctx, mode, w.cfg.CandidateBatch)
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		job, err := store.TryClaim(ctx, cand.ID, w.cfg.ID)
		if errors.Is(err, queue.ErrClaimLost) {
			continue
		}
		if err != nil {
			return nil, err
		}
		w.logger.Info("claim won",
			"env", store.Env(),
			"job_id", job.ID,
			"document_source", job.DocumentSource,
			"document_number", job.DocumentNumber,
			"attempt", job.OCRAttempts)
		return job, nil
	}
	return nil, nil
}

// process dispatches one claimed job and persists the outcome. Persistence
// errors are retried; exhaustion is returned so the worker exits non-zero.
func (w *Worker) process(ctx context.Context, store JobStore, job *queue.Job) error {
	logger := w.logger.With("env", store.Env(), "job_id", job.ID)
	started := time.Now()

	pl, err := pipeline.ForSource(job.DocumentSource, w.pipelines)
	if err != nil {
		return w.recordFailure(ctx, store, job, err)
	}

	res, err := pl.Process(ctx, job)
	if err != nil {
		logger.Warn("pipeline failed", "error", err, "elapsed", time.Since(started))
		return w.recordFailure(ctx, store, job, err)
	}

	err = retry.Do(
		func() error {
			return store.MarkComplete(ctx, job.ID, w.cfg.ID, res.FileContent, res.BoostedContent)
		},
		retry.Context(ctx),
		retry.Attempts(w.cfg.PersistAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, queue.ErrClaimLost) }),
	)
	if errors.Is(err, queue.ErrClaimLost) {
		// The health monitor reclaimed the row mid-flight and another
		// worker owns it now; this output is dropped, not written.
		logger.Warn("claim reclaimed before completion write, output dropped",
			"elapsed", time.Since(started))
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist completion for job %s: %w", job.ID, err)
	}

	logger.Info("job complete",
		"elapsed", time.Since(started),
		"extract_provider", res.ExtractProvider,
		"boost_provider", res.BoostProvider,
		"extract_complete", res.ExtractComplete,
		"boost_complete", res.BoostComplete)
	return nil
}

// recordFailure writes the OCR failure; the store decides between requeue
// and terminal error from the attempt budget.
func (w *Worker) recordFailure(ctx context.Context, store JobStore, job *queue.Job, cause error) error {
	var status queue.Status
	err := retry.Do(
		func() error {
			var markErr error
			status, markErr = store.MarkFailed(ctx, job.ID, w.cfg.ID, cause)
			return markErr
		},
		retry.Context(ctx),
		retry.Attempts(w.cfg.PersistAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, queue.ErrClaimLost) }),
	)
	if errors.Is(err, queue.ErrClaimLost) {
		w.logger.Warn("claim reclaimed before failure write, record dropped",
			"env", store.Env(), "job_id", job.ID, "error", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist failure for job %s: %w", job.ID, err)
	}

	w.logger.Warn("job failed",
		"env", store.Env(),
		"job_id", job.ID,
		"resulting_status", status.String(),
		"error", cause)
	return nil
}

func (w *Worker) maybeCloseIdle() {
	if w.cfg.IdleClose <= 0 || w.cfg.OnIdle == nil || w.idleDone {
		return
	}
	if time.Since(w.lastClaim) < w.cfg.IdleClose {
		return
	}
	w.logger.Info("idle threshold reached, releasing heavy resources",
		"idle", time.Since(w.lastClaim))
	w.cfg.OnIdle()
	w.idleDone = true
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := w.modes.Heartbeat(ctx, w.cfg.ID); err != nil && ctx.Err() == nil {
			w.logger.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var _ ModeSource = (*poolmgr.Manager)(nil)
