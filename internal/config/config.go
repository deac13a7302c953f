// Package config loads the pipeline configuration from file and
// environment and initializes the global logger.
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
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Matching MatchingConfig `yaml:"matching" mapstructure:"matching"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	Sourcing SourcingConfig `yaml:"sourcing" mapstructure:"sourcing"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`

	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// MatchingConfig holds settings for the external company-matching API.
type MatchingConfig struct {
	Provider      string  `yaml:"provider" mapstructure:"provider"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PageSize      int     `yaml:"page_size" mapstructure:"page_size"`
	MaxPages      int     `yaml:"max_pages" mapstructure:"max_pages"`
}

// RegistryConfig holds settings for the establishment registry lookup.
type RegistryConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Concurrency   int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// SourcingConfig tunes the sourcing pipeline itself.
type SourcingConfig struct {
	// RadiusKm is the fixed radius used for external sourcing calls,
	// deliberately wider than most triggering searches so one call
	// amortizes across nearby future demand.
	RadiusKm float64 `yaml:"radius_km" mapstructure:"radius_km"`

	// LookbackDays bounds how far back the throttle looks for prior
	// attempts covering an area.
	LookbackDays int `yaml:"lookback_days" mapstructure:"lookback_days"`

	// ClusterThresholdDegrees is the demand clustering proximity,
	// expressed in degrees (~0.27 corresponds to 30 km at French
	// latitudes). Tuned empirically.
	ClusterThresholdDegrees float64 `yaml:"cluster_threshold_degrees" mapstructure:"cluster_threshold_degrees"`

	// MaxFailures is the per-run failure budget before the orchestrator
	// aborts the remainder of the run.
	MaxFailures int `yaml:"max_failures" mapstructure:"max_failures"`
}

// RetryConfig tunes outbound call retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// MonitoringConfig tunes health thresholds and the optional alert webhook.
type MonitoringConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`

	// BacklogThreshold is the pending demand row count above which the
	// backlog alert fires. Zero disables the check.
	BacklogThreshold int `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`

	// MissRateThreshold is the registry miss ratio above which the data
	// quality alert fires, evaluated only once a run has enough candidates
	// to be meaningful.
	MissRateThreshold float64 `yaml:"miss_rate_threshold" mapstructure:"miss_rate_threshold"`

	LookbackHours int `yaml:"lookback_hours" mapstructure:"lookback_hours"`
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
	v.SetEnvPrefix("SOURCING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("matching.provider", "matchco")
	v.SetDefault("matching.rate_per_second", 1)
	v.SetDefault("matching.burst", 1)
	v.SetDefault("matching.timeout_secs", 10)
	v.SetDefault("matching.page_size", 100)
	v.SetDefault("matching.max_pages", 20)
	v.SetDefault("registry.rate_per_second", 5)
	v.SetDefault("registry.timeout_secs", 10)
	v.SetDefault("registry.concurrency", 4)
	v.SetDefault("sourcing.radius_km", 50)
	v.SetDefault("sourcing.lookback_days", 30)
	v.SetDefault("sourcing.cluster_threshold_degrees", 0.27)
	v.SetDefault("sourcing.max_failures", 10)
	v.SetDefault("monitoring.backlog_threshold", 1000)
	v.SetDefault("monitoring.miss_rate_threshold", 0.5)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 15000)
	v.SetDefault("retry.multiplier", 2.0)

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
