package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Model      ModelConfig      `yaml:"model" mapstructure:"model"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the predictions API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// BatchConfig configures the prediction batch run.
type BatchConfig struct {
	Concurrency    int    `yaml:"concurrency" mapstructure:"concurrency"`
	RunTimeoutSecs int    `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
	Schedule       string `yaml:"schedule" mapstructure:"schedule"`
	// MinProbabilityChange suppresses a new prediction when the probability moved
	// less than this since the latest active one. Zero disables the check.
	MinProbabilityChange float64 `yaml:"min_probability_change" mapstructure:"min_probability_change"`
}

// ModelConfig selects the classifier: a local artifact file or a remote scoring service.
type ModelConfig struct {
	ArtifactPath      string  `yaml:"artifact_path" mapstructure:"artifact_path"`
	RemoteURL         string  `yaml:"remote_url" mapstructure:"remote_url"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ScoringConfig points at the calibration tables file. Empty uses built-in defaults.
type ScoringConfig struct {
	TablesPath string `yaml:"tables_path" mapstructure:"tables_path"`
}

// CacheConfig configures the API read-through cache. Empty RedisURL disables it.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PendingThreshold     int     `yaml:"pending_threshold" mapstructure:"pending_threshold"`
	AlertOnCritical      bool    `yaml:"alert_on_critical" mapstructure:"alert_on_critical"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// working directory for an optional config.yaml; a named file must exist.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("FORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "forecast.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.run_timeout_secs", 600)
	v.SetDefault("batch.schedule", "0 30 * * * *")
	v.SetDefault("batch.min_probability_change", 0.10)
	v.SetDefault("model.artifact_path", "models/shortage_model.json")
	v.SetDefault("model.timeout_secs", 10)
	v.SetDefault("model.requests_per_second", 20.0)
	v.SetDefault("model.max_attempts", 3)
	v.SetDefault("model.remote_url", "")
	v.SetDefault("scoring.tables_path", "")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl_secs", 300)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.pending_threshold", 10)
	v.SetDefault("monitoring.alert_on_critical", true)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is one of "run", "serve"
// or "store"; every problem found is reported.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode == "run" || mode == "serve" {
		if c.Model.ArtifactPath == "" && c.Model.RemoteURL == "" {
			errs = append(errs, "model.artifact_path or model.remote_url is required")
		}
		if c.Batch.Concurrency < 1 {
			errs = append(errs, "batch.concurrency must be at least 1")
		}
		if c.Batch.RunTimeoutSecs < 1 {
			errs = append(errs, "batch.run_timeout_secs must be positive")
		}
		if c.Batch.MinProbabilityChange < 0 || c.Batch.MinProbabilityChange >= 1 {
			errs = append(errs, "batch.min_probability_change must be in [0, 1)")
		}
	}

	if mode == "serve" {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
		if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			errs = append(errs, "monitoring.webhook_url is required when monitoring is enabled")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid %s configuration: %s", mode, strings.Join(errs, "; "))
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
