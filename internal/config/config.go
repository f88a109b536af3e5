package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Gate         GateConfig         `yaml:"gate" mapstructure:"gate"`
	Router       RouterConfig       `yaml:"router" mapstructure:"router"`
	Batch        BatchConfig        `yaml:"batch" mapstructure:"batch"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Claude       ClaudeConfig       `yaml:"claude" mapstructure:"claude"`
	Catalog      CatalogConfig      `yaml:"catalog" mapstructure:"catalog"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CacheConfig configures the ephemeral cache backend.
type CacheConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend"`
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB   int    `yaml:"redis_db" mapstructure:"redis_db"`
	Path      string `yaml:"path" mapstructure:"path"`
}

// GateConfig configures batch admission scoring.
type GateConfig struct {
	AdmissibilityThreshold float64 `yaml:"admissibility_threshold" mapstructure:"admissibility_threshold"`
}

// RouterConfig configures confidence-based storage routing.
type RouterConfig struct {
	DurabilityThreshold float64 `yaml:"durability_threshold" mapstructure:"durability_threshold"`
	CacheTTLHours       int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// CacheTTL returns the ephemeral cache time-to-live as a duration.
func (c RouterConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// BatchConfig configures batch-level terminal-state policy.
type BatchConfig struct {
	FailureToleranceRatio float64 `yaml:"failure_tolerance_ratio" mapstructure:"failure_tolerance_ratio"`
}

// OrchestratorConfig configures the worker pool and recovery sweep.
type OrchestratorConfig struct {
	WorkerConcurrency   int `yaml:"worker_concurrency" mapstructure:"worker_concurrency"`
	PerBatchConcurrency int `yaml:"per_batch_concurrency" mapstructure:"per_batch_concurrency"`
	MaxRetries          int `yaml:"max_retries" mapstructure:"max_retries"`
	HeartbeatSecs       int `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	StaleTimeoutSecs    int `yaml:"stale_timeout_secs" mapstructure:"stale_timeout_secs"`
	PollIntervalSecs    int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// Heartbeat returns the heartbeat interval as a duration.
func (c OrchestratorConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}

// StaleTimeout returns the processing staleness timeout as a duration.
func (c OrchestratorConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutSecs) * time.Second
}

// PollInterval returns the idle dequeue poll interval as a duration.
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// ClaudeConfig holds Anthropic API settings for AI-assisted normalization.
type ClaudeConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// CatalogConfig points at the component catalog used for matching.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BOMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "bomflow.db")
	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.path", "bomflow-cache.db")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("gate.admissibility_threshold", 80.0)
	v.SetDefault("router.durability_threshold", 80.0)
	v.SetDefault("router.cache_ttl_hours", 24)
	v.SetDefault("batch.failure_tolerance_ratio", 0.0)
	v.SetDefault("orchestrator.worker_concurrency", 4)
	v.SetDefault("orchestrator.per_batch_concurrency", 5)
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.heartbeat_secs", 15)
	v.SetDefault("orchestrator.stale_timeout_secs", 300)
	v.SetDefault("orchestrator.poll_interval_secs", 2)
	v.SetDefault("claude.model", "claude-haiku-4-5-20251001")
	v.SetDefault("claude.max_tokens", 1024)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
