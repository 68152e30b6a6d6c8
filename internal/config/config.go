package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/reqident/internal/cost"
	"github.com/sells-group/reqident/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Identify   IdentifyConfig   `yaml:"identify" mapstructure:"identify"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the job queue and its worker pool.
type QueueConfig struct {
	Backend        string `yaml:"backend" mapstructure:"backend"`
	Name           string `yaml:"name" mapstructure:"name"`
	Concurrency    int    `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalMs int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	RedisURL       string `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix      string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	HighModel         string  `yaml:"high_model" mapstructure:"high_model"`
	LowModel          string  `yaml:"low_model" mapstructure:"low_model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// ClassifierConfig configures the rate-limit retry policy of classification calls.
type ClassifierConfig struct {
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// Retry converts the settings to a resilience.RetryConfig.
func (c ClassifierConfig) Retry() resilience.RetryConfig {
	return resilience.FromRetryConfig(c.MaxRetries, c.InitialBackoffMs, c.Multiplier)
}

// IdentifyConfig configures the identification workflow.
type IdentifyConfig struct {
	ReportSkippedArticles bool `yaml:"report_skipped_articles" mapstructure:"report_skipped_articles"`
}

// MetricsConfig configures the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// PricingConfig overrides the built-in Anthropic token prices, keyed by model id.
type PricingConfig struct {
	Anthropic cost.Rates `yaml:"anthropic" mapstructure:"anthropic"`
}

// MonitoringConfig configures the queue health checker run by serve.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MaxWaitingJobs       int     `yaml:"max_waiting_jobs" mapstructure:"max_waiting_jobs"`
	MaxWaitingAgeMins    int     `yaml:"max_waiting_age_mins" mapstructure:"max_waiting_age_mins"`
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
	v.SetEnvPrefix("REQIDENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("queue.backend", "postgres")
	v.SetDefault("queue.name", "requirement-identification")
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.poll_interval_ms", 500)
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.key_prefix", "reqident")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.high_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.low_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("classifier.max_retries", 3)
	v.SetDefault("classifier.initial_backoff_ms", 1000)
	v.SetDefault("classifier.multiplier", 2.0)
	v.SetDefault("identify.report_skipped_articles", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.max_waiting_jobs", 100)
	v.SetDefault("monitoring.max_waiting_age_mins", 60)
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

// Validate checks the keys the given command needs. Modes: serve, submit,
// jobs, catalog, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateQueue()...)
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Anthropic.HighModel == "" || c.Anthropic.LowModel == "" {
			errs = append(errs, "anthropic.high_model and anthropic.low_model are required")
		}
		if c.Anthropic.RequestsPerSecond < 0 {
			errs = append(errs, "anthropic.requests_per_second must be >= 0")
		}
		if c.Queue.Concurrency < 1 || c.Queue.Concurrency > 50 {
			errs = append(errs, fmt.Sprintf("queue.concurrency must be between 1 and 50, got %d", c.Queue.Concurrency))
		}
		if c.Classifier.MaxRetries < 0 || c.Classifier.MaxRetries > 10 {
			errs = append(errs, fmt.Sprintf("classifier.max_retries must be between 0 and 10, got %d", c.Classifier.MaxRetries))
		}
		if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold <= 0 || c.Monitoring.FailureRateThreshold > 1) {
			errs = append(errs, fmt.Sprintf("monitoring.failure_rate_threshold must be in (0, 1], got %g", c.Monitoring.FailureRateThreshold))
		}
	case "submit", "catalog", "migrate":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateQueue()...)
	case "jobs":
		errs = append(errs, c.validateQueue()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for the postgres driver"}
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required (sqlite file path)"}
		}
	default:
		return []string{fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver)}
	}
	return nil
}

func (c *Config) validateQueue() []string {
	var errs []string
	if c.Queue.Name == "" {
		errs = append(errs, "queue.name is required")
	}
	switch c.Queue.Backend {
	case "postgres":
		if c.Store.DatabaseURL == "" || c.Store.Driver != "postgres" {
			errs = append(errs, "queue.backend postgres needs store.driver postgres with store.database_url")
		}
	case "redis":
		if c.Queue.RedisURL == "" {
			errs = append(errs, "queue.redis_url is required for the redis backend")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("queue.backend must be postgres, redis or memory, got %q", c.Queue.Backend))
	}
	return errs
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
