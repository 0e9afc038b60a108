package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Paraito/registre-extractor-sub002/internal/budget"
	"github.com/Paraito/registre-extractor-sub002/internal/config"
	"github.com/Paraito/registre-extractor-sub002/internal/logx"
	"github.com/Paraito/registre-extractor-sub002/internal/monitor"
	"github.com/Paraito/registre-extractor-sub002/internal/objstore"
	"github.com/Paraito/registre-extractor-sub002/internal/pipeline"
	"github.com/Paraito/registre-extractor-sub002/internal/poolmgr"
	"github.com/Paraito/registre-extractor-sub002/internal/processor"
	"github.com/Paraito/registre-extractor-sub002/internal/providers"
	"github.com/Paraito/registre-extractor-sub002/internal/queue"
)

// classForMode maps a worker's mode to its capacity class.
func classForMode(mode string) string {
	if mode == poolmgr.ModeActe {
		return "acte-ocr"
	}
	return "index-ocr"
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the OCR worker pool",
	Long: `Start the worker pool: connects to every enabled environment's queue,
the shared Redis coordination store and object storage, allocates server
capacity for each worker, and runs the claim loops alongside the pool
rebalancer and the health monitor.

SIGINT/SIGTERM initiate a graceful drain: workers finish their current job,
release their budgets, deregister, and the process exits 0.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfg := cm.Get()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, closeLog, err := logx.Setup(logx.Options{
			Level:    cfg.Logging.Level,
			FilePath: cfg.Logging.FilePath,
		})
		if err != nil {
			return err
		}
		defer closeLog()
		logger = logger.With("run_id", uuid.NewString()[:8])

		// Redis: budgets, modes, heartbeats. Unreachable KV is fatal.
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: config.ResolveEnvVars(cfg.Redis.Password),
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		defer rdb.Close()

		// Queue stores, one per enabled environment, deterministic order.
		envs := cfg.EnabledEnvironments()
		envNames := make([]string, 0, len(envs))
		for name := range envs {
			envNames = append(envNames, name)
		}
		sort.Strings(envNames)

		var stores []monitor.JobStore
		for _, name := range envNames {
			store, err := queue.NewStore(ctx, name, envs[name])
			if err != nil {
				return err
			}
			defer store.Close()
			stores = append(stores, store)
		}

		objClient, err := objstore.New(objstore.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: config.ResolveEnvVars(cfg.Storage.AccessKey),
			SecretKey: config.ResolveEnvVars(cfg.Storage.SecretKey),
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			return err
		}

		primary, err := providers.NewGeminiClient(providers.GeminiConfig{
			APIKey:          config.ResolveEnvVars(cfg.Providers.Primary.APIKey),
			Model:           cfg.Providers.Primary.Model,
			Temperature:     cfg.Providers.Primary.Temperature,
			MaxTokensByRole: cfg.Providers.Primary.MaxTokensByRole(),
			Timeout:         cfg.Providers.Primary.Timeout(),
		})
		if err != nil {
			return err
		}
		fallback, err := providers.NewOpenAIClient(providers.OpenAIConfig{
			APIKey:          config.ResolveEnvVars(cfg.Providers.Fallback.APIKey),
			Model:           cfg.Providers.Fallback.Model,
			Temperature:     cfg.Providers.Fallback.Temperature,
			MaxTokensByRole: cfg.Providers.Fallback.MaxTokensByRole(),
			Timeout:         cfg.Providers.Fallback.Timeout(),
		})
		if err != nil {
			return err
		}

		rate := budget.NewRateBudget(rdb, cfg.Rate, logger)
		capacity := budget.NewCapacityBudget(rdb, cfg.Capacity.Server, cfg.Capacity.Classes, logger)

		mgr, err := poolmgr.NewManager(rdb, poolmgr.Config{
			PoolSize:           cfg.Pool.PoolSize,
			MinIndexWorkers:    cfg.Pool.MinIndexWorkers,
			MinActeWorkers:     cfg.Pool.MinActeWorkers,
			RebalanceInterval:  cfg.Pool.RebalanceInterval(),
			RebalanceThreshold: cfg.Pool.RebalanceThreshold,
			FlexBias:           cfg.Pool.FlexBias,
		}, logger)
		if err != nil {
			return err
		}

		proc := processor.New(primary, fallback, primary, rate, processor.Config{
			AttemptsPerProvider: cfg.Pipeline.AttemptsPerProvider,
			ContinuationBudget:  cfg.Pipeline.ContinuationBudget,
		}, logger)

		workDir := cfg.Pipeline.WorkDir
		if workDir == "" {
			workDir = os.TempDir()
		}
		plCfg := pipeline.Config{
			DPI:              cfg.Pipeline.DPI,
			PageParallelism:  cfg.Pipeline.PageParallelism,
			FileReadyTimeout: cfg.Pipeline.FileReadyTimeout(),
			WorkDir:          workDir,
		}
		pipelines := []pipeline.Pipeline{
			pipeline.NewIndexPipeline(objClient, proc, plCfg, logger),
			pipeline.NewActePipeline(objClient, proc, plCfg, logger),
		}

		// Build the pool: stable worker IDs so crash recovery resumes the
		// previous mode assignment.
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "registre-ocr"
		}
		alloc := mgr.InitialAllocation()
		modeFor := func(i int) string {
			if i < alloc.Index {
				return poolmgr.ModeIndex
			}
			return poolmgr.ModeActe
		}

		var workers []*monitor.Worker
		for i := 0; i < cfg.Pool.PoolSize; i++ {
			id := fmt.Sprintf("%s-w%d", hostname, i)

			mode, err := mgr.Mode(ctx, id)
			if err != nil {
				return err
			}
			if mode == "" {
				mode = modeFor(i)
				if err := mgr.AssignMode(ctx, id, mode); err != nil {
					return err
				}
			}

			class := classForMode(mode)
			decision, err := capacity.Check(ctx, class)
			if err != nil {
				return err
			}
			if !decision.Allowed {
				return fmt.Errorf("capacity denied for worker %s: %s", id, decision.Reason)
			}
			if err := capacity.Allocate(ctx, id, class); err != nil {
				return err
			}
			if err := rate.RegisterWorker(ctx, id, mode); err != nil {
				return err
			}

			workers = append(workers, monitor.NewWorker(monitor.WorkerConfig{
				ID:                id,
				PollInterval:      cfg.Pool.PollInterval(),
				IdleClose:         cfg.Pool.IdleClose(),
				HeartbeatInterval: cfg.Health.DeadWorkerThreshold() / 4,
				CandidateBatch:    cfg.Pipeline.CandidateBatch,
			}, stores, mgr, pipelines, logger))
		}

		health := monitor.NewHealthMonitor(monitor.HealthConfig{
			StaleCheckInterval:  cfg.Health.StaleCheckInterval(),
			StaleJobThreshold:   cfg.Health.StaleJobThreshold(),
			DeadWorkerThreshold: cfg.Health.DeadWorkerThreshold(),
		}, stores, mgr, rate, capacity, logger)

		cm.OnChange(func(next *config.Config) {
			logger.Info("configuration reloaded",
				"rebalance_interval", next.Pool.RebalanceInterval())
		})
		cm.WatchConfig()

		logx.Banner("registre-ocr started",
			fmt.Sprintf("environments: %v", envNames),
			fmt.Sprintf("pool: %d workers (index=%d acte=%d)", cfg.Pool.PoolSize, alloc.Index, alloc.Acte),
			fmt.Sprintf("primary model: %s", cfg.Providers.Primary.Model),
			fmt.Sprintf("fallback model: %s", cfg.Providers.Fallback.Model),
		)

		g, runCtx := errgroup.WithContext(ctx)
		for _, w := range workers {
			g.Go(func() error { return w.Run(runCtx) })
		}
		g.Go(func() error {
			health.Run(runCtx)
			return nil
		})
		g.Go(func() error {
			monitor.RunRebalancer(runCtx, mgr, stores, func() time.Duration {
				return cm.Get().Pool.RebalanceInterval()
			}, logger)
			return nil
		})
		g.Go(func() error {
			runWindowReset(runCtx, rate)
			return nil
		})

		err = g.Wait()

		// Drain complete: release budgets and deregister with a fresh
		// context, the run context is already cancelled.
		cleanup, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, w := range workers {
			if derr := rate.DeregisterWorker(cleanup, w.ID()); derr != nil {
				logger.Warn("deregister failed", "worker_id", w.ID(), "error", derr)
			}
			if rerr := capacity.Release(cleanup, w.ID()); rerr != nil {
				logger.Warn("capacity release failed", "worker_id", w.ID(), "error", rerr)
			}
		}

		logx.Banner("registre-ocr stopped")
		return err
	},
}

// runWindowReset ticks at every minute boundary and clears the previous
// window's leftover counters; live counters in the fresh window are never
// touched. Redundant across processes; the reset is idempotent.
func runWindowReset(ctx context.Context, rate *budget.RateBudget) {
	for {
		next := time.Now().Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		_ = rate.ResetWindow(ctx)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
