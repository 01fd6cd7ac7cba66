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
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Counter CounterConfig `yaml:"counter" mapstructure:"counter"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Ingest  IngestConfig  `yaml:"ingest" mapstructure:"ingest"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the entity store backend.
type StoreConfig struct {
	// Driver selects the backend: "postgres", "sqlite", or "memory".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// CounterConfig configures the sharded counter store.
type CounterConfig struct {
	// Backend selects where counters live: "store" shares the entity
	// store's database, "redis" uses the redis connection, "memory" keeps
	// them in process.
	Backend   string `yaml:"backend" mapstructure:"backend"`
	NumShards int    `yaml:"num_shards" mapstructure:"num_shards"`
}

// RedisConfig configures the redis connection used by the counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// IngestConfig configures batch event ingestion.
type IngestConfig struct {
	// RateLimit caps event deliveries per second against the counter
	// backend; zero disables throttling.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`

	RetryMaxAttempts    int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialMs      int     `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxMs          int     `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	RetryMultiplier     float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	RetryJitterFraction float64 `yaml:"retry_jitter_fraction" mapstructure:"retry_jitter_fraction"`

	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeoutSecs int `yaml:"breaker_reset_timeout_secs" mapstructure:"breaker_reset_timeout_secs"`

	DLQCapacity int `yaml:"dlq_capacity" mapstructure:"dlq_capacity"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks cross-field constraints before the container wires
// anything. Collected into one error so an operator sees every problem at
// once instead of fixing them one restart at a time.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "memory":
	default:
		problems = append(problems, "store.driver must be postgres, sqlite, or memory")
	}

	switch c.Counter.Backend {
	case "store", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			problems = append(problems, "redis.addr is required for the redis counter backend")
		}
	default:
		problems = append(problems, "counter.backend must be store, redis, or memory")
	}
	if c.Counter.NumShards < 1 || c.Counter.NumShards > 256 {
		problems = append(problems, "counter.num_shards must be between 1 and 256")
	}

	if c.Ingest.RateLimit < 0 {
		problems = append(problems, "ingest.rate_limit must be >= 0")
	}
	if c.Ingest.RateLimit > 0 && c.Ingest.RateBurst < 1 {
		problems = append(problems, "ingest.rate_burst must be >= 1 when rate limiting is on")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SWITCHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "switchboard.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("counter.backend", "store")
	v.SetDefault("counter.num_shards", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ingest.rate_limit", 0)
	v.SetDefault("ingest.rate_burst", 50)
	v.SetDefault("ingest.retry_max_attempts", 3)
	v.SetDefault("ingest.retry_initial_ms", 100)
	v.SetDefault("ingest.retry_max_ms", 5000)
	v.SetDefault("ingest.retry_multiplier", 2.0)
	v.SetDefault("ingest.retry_jitter_fraction", 0.25)
	v.SetDefault("ingest.breaker_failure_threshold", 5)
	v.SetDefault("ingest.breaker_reset_timeout_secs", 30)
	v.SetDefault("ingest.dlq_capacity", 1000)
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
