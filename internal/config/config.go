package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Semantic   SemanticConfig   `yaml:"semantic" mapstructure:"semantic"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Job        JobConfig        `yaml:"job" mapstructure:"job"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SemanticConfig points at the translation/embedding service.
type SemanticConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// AnthropicConfig holds Anthropic API settings for the LLM enrichment backend.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EnrichmentConfig configures the enrichment client.
type EnrichmentConfig struct {
	// Backend is "service" (semantic service) or "llm" (Anthropic).
	Backend           string  `yaml:"backend" mapstructure:"backend"`
	SubBatchSize      int     `yaml:"sub_batch_size" mapstructure:"sub_batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// EmbeddingConfig configures embedding validation.
type EmbeddingConfig struct {
	Dimensions int `yaml:"dimensions" mapstructure:"dimensions"`
}

// JobConfig holds precompute job defaults.
type JobConfig struct {
	BatchSize         int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxWorkers        int `yaml:"max_workers" mapstructure:"max_workers"`
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
}

// ServerConfig configures the job API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RetryConfig configures retries of external calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the circuit breaker guarding enrichment calls.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INSTRUMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("semantic.base_url", "http://localhost:8001")
	v.SetDefault("semantic.timeout_secs", 30)
	v.SetDefault("semantic.max_attempts", 3)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("enrichment.backend", "service")
	v.SetDefault("enrichment.sub_batch_size", 50)
	v.SetDefault("enrichment.requests_per_second", 5.0)
	v.SetDefault("enrichment.burst", 1)
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("job.batch_size", 100)
	v.SetDefault("job.max_workers", 1)
	v.SetDefault("job.max_concurrent_jobs", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

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

// Validate checks the settings a command mode depends on. Modes are
// "precompute", "serve" and "registry".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "precompute", "serve", "registry":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	case "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	if c.Semantic.BaseURL == "" {
		problems = append(problems, "semantic.base_url is required")
	}
	if c.Embedding.Dimensions <= 0 {
		problems = append(problems, "embedding.dimensions must be > 0")
	}

	if mode != "registry" {
		switch c.Enrichment.Backend {
		case "service":
		case "llm":
			if c.Anthropic.Key == "" {
				problems = append(problems, "anthropic.key is required for the llm backend")
			}
		default:
			problems = append(problems, "enrichment.backend must be service or llm")
		}
		if c.Enrichment.SubBatchSize < 1 {
			problems = append(problems, "enrichment.sub_batch_size must be >= 1")
		}
		if c.Job.BatchSize < 1 {
			problems = append(problems, "job.batch_size must be >= 1")
		}
		if c.Job.MaxWorkers < 1 || c.Job.MaxWorkers > 64 {
			problems = append(problems, "job.max_workers must be between 1 and 64")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
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
