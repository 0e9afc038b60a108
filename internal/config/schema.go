package config

import (
	"fmt"
	"time"

	"github.com/Paraito/registre-extractor-sub002/internal/budget"
	"github.com/Paraito/registre-extractor-sub002/internal/providers"
)

// Config holds the full process configuration.
// Stored at: config.yaml (or the path given with --config).
type Config struct {
	Environments map[string]EnvironmentCfg   `mapstructure:"environments" yaml:"environments"`
	Redis        RedisCfg                    `mapstructure:"redis" yaml:"redis"`
	Storage      StorageCfg                  `mapstructure:"storage" yaml:"storage"`
	Providers    ProvidersCfg                `mapstructure:"providers" yaml:"providers"`
	Rate         map[string]budget.RateLimit `mapstructure:"rate" yaml:"rate"`
	Capacity     CapacityCfg                 `mapstructure:"capacity" yaml:"capacity"`
	Pool         PoolCfg                     `mapstructure:"pool" yaml:"pool"`
	Pipeline     PipelineCfg                 `mapstructure:"pipeline" yaml:"pipeline"`
	Health       HealthCfg                   `mapstructure:"health" yaml:"health"`
	Logging      LoggingCfg                  `mapstructure:"logging" yaml:"logging"`
}

// EnvironmentCfg holds one environment's queue credentials. All enabled
// environments are polled round-robin from a single process.
type EnvironmentCfg struct {
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"` // supports ${ENV_VAR} syntax
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
}

// RedisCfg points at the shared KV store for budgets, modes and heartbeats.
type RedisCfg struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"` // supports ${ENV_VAR} syntax
	DB       int    `mapstructure:"db" yaml:"db"`
}

// StorageCfg points at the S3-compatible object store holding the PDFs.
type StorageCfg struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"` // supports ${ENV_VAR} syntax
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"` // supports ${ENV_VAR} syntax
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// RoleTokens is a per-role max-output-token budget for one model.
type RoleTokens struct {
	Extract int `mapstructure:"extract" yaml:"extract"`
	Boost   int `mapstructure:"boost" yaml:"boost"`
}

// ProviderCfg configures one LLM provider.
type ProviderCfg struct {
	APIKey         string  `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	Model          string  `mapstructure:"model" yaml:"model"`
	Temperature    float64 `mapstructure:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`

	// TokenLimits is the explicit model → role → max-output-token table.
	// A model absent from this table is rejected at startup.
	TokenLimits map[string]RoleTokens `mapstructure:"token_limits" yaml:"token_limits"`
}

// Timeout returns the provider call deadline.
func (p ProviderCfg) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// MaxTokensByRole resolves the configured model's role budgets.
func (p ProviderCfg) MaxTokensByRole() map[string]int {
	rt := p.TokenLimits[p.Model]
	return map[string]int{
		providers.RoleExtract: rt.Extract,
		providers.RoleBoost:   rt.Boost,
	}
}

// ProvidersCfg holds both provider configurations.
type ProvidersCfg struct {
	Primary  ProviderCfg `mapstructure:"primary" yaml:"primary"`
	Fallback ProviderCfg `mapstructure:"fallback" yaml:"fallback"`
}

// CapacityCfg sizes the server budget and per-class worker costs.
type CapacityCfg struct {
	Server  budget.ServerCapacity       `mapstructure:"server" yaml:"server"`
	Classes map[string]budget.ClassCost `mapstructure:"classes" yaml:"classes"`
}

// PoolCfg sizes the worker pool and its polling cadence.
type PoolCfg struct {
	PoolSize            int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIndexWorkers     int    `mapstructure:"min_index_workers" yaml:"min_index_workers"`
	MinActeWorkers      int    `mapstructure:"min_acte_workers" yaml:"min_acte_workers"`
	RebalanceIntervalMS int    `mapstructure:"rebalance_interval_ms" yaml:"rebalance_interval_ms"`
	RebalanceThreshold  int    `mapstructure:"rebalance_threshold" yaml:"rebalance_threshold"`
	FlexBias            string `mapstructure:"flex_bias" yaml:"flex_bias"`
	PollIntervalMS      int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	IdleCloseMS         int    `mapstructure:"idle_close_ms" yaml:"idle_close_ms"`
}

func (p PoolCfg) RebalanceInterval() time.Duration {
	return time.Duration(p.RebalanceIntervalMS) * time.Millisecond
}

func (p PoolCfg) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p PoolCfg) IdleClose() time.Duration {
	return time.Duration(p.IdleCloseMS) * time.Millisecond
}

// PipelineCfg holds the document-processing knobs.
type PipelineCfg struct {
	DPI                 int    `mapstructure:"dpi" yaml:"dpi"`
	PageParallelism     int    `mapstructure:"page_parallelism" yaml:"page_parallelism"`
	FileReadyTimeoutMS  int    `mapstructure:"file_ready_timeout_ms" yaml:"file_ready_timeout_ms"`
	ContinuationBudget  int    `mapstructure:"continuation_budget" yaml:"continuation_budget"`
	AttemptsPerProvider int    `mapstructure:"attempts_per_provider" yaml:"attempts_per_provider"`
	WorkDir             string `mapstructure:"work_dir" yaml:"work_dir"`
	CandidateBatch      int    `mapstructure:"candidate_batch" yaml:"candidate_batch"`
}

func (p PipelineCfg) FileReadyTimeout() time.Duration {
	return time.Duration(p.FileReadyTimeoutMS) * time.Millisecond
}

// HealthCfg drives the health monitor's sweep cadence.
type HealthCfg struct {
	StaleCheckIntervalMS  int `mapstructure:"stale_check_interval_ms" yaml:"stale_check_interval_ms"`
	StaleJobThresholdMS   int `mapstructure:"stale_job_threshold_ms" yaml:"stale_job_threshold_ms"`
	DeadWorkerThresholdMS int `mapstructure:"dead_worker_threshold_ms" yaml:"dead_worker_threshold_ms"`
}

func (h HealthCfg) StaleCheckInterval() time.Duration {
	return time.Duration(h.StaleCheckIntervalMS) * time.Millisecond
}

func (h HealthCfg) StaleJobThreshold() time.Duration {
	return time.Duration(h.StaleJobThresholdMS) * time.Millisecond
}

func (h HealthCfg) DeadWorkerThreshold() time.Duration {
	return time.Duration(h.DeadWorkerThresholdMS) * time.Millisecond
}

// LoggingCfg selects level and the JSONL event log path.
type LoggingCfg struct {
	Level    string `mapstructure:"level" yaml:"level"`
	FilePath string `mapstructure:"file_path" yaml:"file_path"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Environments: map[string]EnvironmentCfg{
			"dev": {
				DatabaseURL: "${DEV_DATABASE_URL}",
				Enabled:     true,
			},
			"staging": {
				DatabaseURL: "${STAGING_DATABASE_URL}",
				Enabled:     false,
			},
			"prod": {
				DatabaseURL: "${PROD_DATABASE_URL}",
				Enabled:     false,
			},
		},
		Redis: RedisCfg{
			Addr:     "localhost:6379",
			Password: "${REDIS_PASSWORD}",
		},
		Storage: StorageCfg{
			Endpoint:  "localhost:9000",
			AccessKey: "${STORAGE_ACCESS_KEY}",
			SecretKey: "${STORAGE_SECRET_KEY}",
			UseSSL:    false,
		},
		Providers: ProvidersCfg{
			Primary: ProviderCfg{
				APIKey:         "${GEMINI_API_KEY}",
				Model:          "gemini-2.5-pro",
				Temperature:    0.1,
				TimeoutSeconds: 120,
				TokenLimits: map[string]RoleTokens{
					"gemini-2.5-pro":   {Extract: 65536, Boost: 65536},
					"gemini-2.5-flash": {Extract: 65536, Boost: 65536},
					"gemini-2.0-flash": {Extract: 8192, Boost: 8192},
				},
			},
			Fallback: ProviderCfg{
				APIKey:         "${OPENAI_API_KEY}",
				Model:          "gpt-4o",
				Temperature:    0.1,
				TimeoutSeconds: 120,
				TokenLimits: map[string]RoleTokens{
					"gpt-4o":      {Extract: 16384, Boost: 16384},
					"gpt-4o-mini": {Extract: 16384, Boost: 16384},
				},
			},
		},
		Rate: map[string]budget.RateLimit{
			providers.PrimaryName:  {RPM: 150, TPM: 2_000_000},
			providers.FallbackName: {RPM: 500, TPM: 2_000_000},
		},
		Capacity: CapacityCfg{
			Server: budget.ServerCapacity{
				CPUMax:            16,
				RAMMax:            32,
				ReserveCPUPercent: 20,
				ReserveRAMPercent: 20,
			},
			Classes: map[string]budget.ClassCost{
				"registre":  {CPU: 3, RAM: 1},
				"index-ocr": {CPU: 1, RAM: 1},
				"acte-ocr":  {CPU: 2, RAM: 2},
			},
		},
		Pool: PoolCfg{
			PoolSize:            4,
			MinIndexWorkers:     1,
			MinActeWorkers:      1,
			RebalanceIntervalMS: 30_000,
			RebalanceThreshold:  5,
			FlexBias:            "index",
			PollIntervalMS:      5_000,
			IdleCloseMS:         300_000,
		},
		Pipeline: PipelineCfg{
			DPI:                 200,
			PageParallelism:     4,
			FileReadyTimeoutMS:  60_000,
			ContinuationBudget:  3,
			AttemptsPerProvider: 3,
			CandidateBatch:      10,
		},
		Health: HealthCfg{
			StaleCheckIntervalMS:  30_000,
			StaleJobThresholdMS:   180_000,
			DeadWorkerThresholdMS: 120_000,
		},
		Logging: LoggingCfg{
			Level:    "info",
			FilePath: "logs/registre-ocr.jsonl",
		},
	}
}

// EnabledEnvironments returns the environments that should be polled, with
// ${ENV_VAR} references in DSNs resolved.
func (c *Config) EnabledEnvironments() map[string]string {
	out := make(map[string]string)
	for name, env := range c.Environments {
		if env.Enabled {
			out[name] = ResolveEnvVars(env.DatabaseURL)
		}
	}
	return out
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if len(c.EnabledEnvironments()) == 0 {
		return fmt.Errorf("no enabled environments")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Pool.PoolSize <= 0 {
		return fmt.Errorf("pool.pool_size must be positive")
	}
	if c.Pool.MinIndexWorkers+c.Pool.MinActeWorkers > c.Pool.PoolSize {
		return fmt.Errorf("pool.min_index_workers (%d) + pool.min_acte_workers (%d) exceeds pool.pool_size (%d)",
			c.Pool.MinIndexWorkers, c.Pool.MinActeWorkers, c.Pool.PoolSize)
	}
	if c.Pipeline.ContinuationBudget > 3 {
		return fmt.Errorf("pipeline.continuation_budget must be at most 3")
	}

	for name, p := range map[string]ProviderCfg{
		"providers.primary":  c.Providers.Primary,
		"providers.fallback": c.Providers.Fallback,
	} {
		if ResolveEnvVars(p.APIKey) == "" {
			return fmt.Errorf("%s.api_key is not set", name)
		}
		table := make(map[string]int, len(p.TokenLimits))
		for model, rt := range p.TokenLimits {
			table[model] = rt.Extract
		}
		if err := providers.ValidateModel(p.Model, table); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for name := range c.Rate {
		if name != providers.PrimaryName && name != providers.FallbackName {
			return fmt.Errorf("rate: unknown provider %q", name)
		}
	}
	return nil
}
