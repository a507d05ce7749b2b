package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/inferloop/splitlab/internal/api"
	"github.com/inferloop/splitlab/internal/observability/metrics"
	"github.com/inferloop/splitlab/internal/scheduler"
	"github.com/inferloop/splitlab/internal/storage"
	"github.com/inferloop/splitlab/internal/storage/implementations/influxdb"
	redisstore "github.com/inferloop/splitlab/internal/storage/implementations/redis"
	"github.com/inferloop/splitlab/internal/storage/implementations/s3"
	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. SPLITLAB_SERVER_PORT
const EnvPrefix = "SPLITLAB"

// Config contains the configuration for the splitlab server
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Log       LogConfig                `mapstructure:"log"`
	API       api.MiddlewareConfig     `mapstructure:"api"`
	Storage   storage.Config           `mapstructure:"storage"`
	Redis     RedisConfig              `mapstructure:"redis"`
	InfluxDB  InfluxDBConfig           `mapstructure:"influxdb"`
	S3        S3Config                 `mapstructure:"s3"`
	Engine    EngineConfig             `mapstructure:"engine"`
	Scheduler scheduler.Config         `mapstructure:"scheduler"`
	Metrics   metrics.PrometheusConfig `mapstructure:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects the logrus level and formatter
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig enables the active-experiment cache and the audit stream
type RedisConfig struct {
	redisstore.RedisConfig `mapstructure:",squash"`

	EnableCache  bool          `mapstructure:"enable_cache"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	EnableAudit  bool          `mapstructure:"enable_audit"`
	Stream       string        `mapstructure:"stream"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

// Enabled reports whether any Redis-backed component is on
func (c RedisConfig) Enabled() bool {
	return c.EnableCache || c.EnableAudit
}

// InfluxDBConfig enables the results history sink
type InfluxDBConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	influxdb.InfluxDBConfig `mapstructure:",squash"`
}

// S3Config enables the final results archive
type S3Config struct {
	Enabled     bool `mapstructure:"enabled"`
	s3.S3Config `mapstructure:",squash"`
}

// EngineConfig tunes the statistical engine
type EngineConfig struct {
	MonteCarloDraws int    `mapstructure:"monte_carlo_draws"`
	Seed            uint64 `mapstructure:"seed"`
	MaxDurationDays int    `mapstructure:"max_duration_days"`
}

// MaxDuration converts the configured day count
func (c EngineConfig) MaxDuration() time.Duration {
	if c.MaxDurationDays <= 0 {
		return constants.DefaultMaxExperimentDuration
	}
	return time.Duration(c.MaxDurationDays) * 24 * time.Hour
}

// LoadConfig reads configuration from cfgFile, or config.yaml in
// $HOME/.splitlab and the working directory, then applies SPLITLAB_*
// environment variables and the given overrides.
func LoadConfig(cfgFile string, overrides map[string]interface{}) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".splitlab"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// NewDefaultConfig returns the configuration used when nothing is set
func NewDefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	_ = v.Unmarshal(config)
	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", constants.DefaultHost)
	v.SetDefault("server.port", constants.DefaultPort)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", constants.DefaultReadTimeout)
	v.SetDefault("server.write_timeout", constants.DefaultWriteTimeout)
	v.SetDefault("server.idle_timeout", constants.DefaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", constants.DefaultShutdownTimeout)

	v.SetDefault("log.level", constants.DefaultLogLevel)
	v.SetDefault("log.format", constants.DefaultLogFormat)

	mw := api.DefaultMiddlewareConfig()
	v.SetDefault("api.enable_logging", mw.EnableLogging)
	v.SetDefault("api.enable_cors", mw.EnableCORS)
	v.SetDefault("api.enable_rate_limit", mw.EnableRateLimit)
	v.SetDefault("api.enable_security", mw.EnableSecurity)
	v.SetDefault("api.rate_limit_requests", mw.RateLimitRequests)
	v.SetDefault("api.rate_limit_window", mw.RateLimitWindow)
	v.SetDefault("api.allowed_origins", mw.AllowedOrigins)

	v.SetDefault("storage.backend", constants.DefaultStorageBackend)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.database", "splitlab")
	v.SetDefault("storage.postgres.username", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.ssl_mode", "disable")
	v.SetDefault("storage.postgres.connect_timeout", constants.DefaultConnectionTimeout)
	v.SetDefault("storage.postgres.query_timeout", constants.DefaultStorageTimeout)
	v.SetDefault("storage.postgres.max_connections", constants.DefaultMaxConnections)
	v.SetDefault("storage.postgres.max_idle_conns", constants.DefaultMaxIdleConns)
	v.SetDefault("storage.postgres.conn_max_lifetime", constants.DefaultConnMaxLifetime)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", constants.DefaultRedisKeyPrefix)
	v.SetDefault("redis.use_clustering", false)
	v.SetDefault("redis.cluster_addrs", []string{})
	v.SetDefault("redis.enable_cache", false)
	v.SetDefault("redis.cache_ttl", time.Minute)
	v.SetDefault("redis.enable_audit", false)
	v.SetDefault("redis.stream", constants.DefaultAuditStream)
	v.SetDefault("redis.stream_max_len", constants.DefaultAuditStreamMaxLen)

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.organization", "")
	v.SetDefault("influxdb.bucket", "experiments")
	v.SetDefault("influxdb.timeout", 10*time.Second)
	v.SetDefault("influxdb.use_gzip", false)

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "splitlab")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.force_path_style", false)
	v.SetDefault("s3.timeout", 30*time.Second)
	v.SetDefault("s3.max_retries", 3)
	v.SetDefault("s3.use_compression", true)

	v.SetDefault("engine.monte_carlo_draws", constants.DefaultMonteCarloDraws)
	v.SetDefault("engine.seed", 0)
	v.SetDefault("engine.max_duration_days", 30)

	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.enabled", sched.Enabled)
	v.SetDefault("scheduler.schedule", sched.Schedule)
	v.SetDefault("scheduler.concurrency", sched.Concurrency)

	prom := metrics.DefaultPrometheusConfig()
	v.SetDefault("metrics.enabled", prom.Enabled)
	v.SetDefault("metrics.port", prom.Port)
	v.SetDefault("metrics.path", prom.Path)
	v.SetDefault("metrics.namespace", prom.Namespace)
	v.SetDefault("metrics.subsystem", prom.Subsystem)
}

// Validate checks ranges and cross-field requirements, reporting every
// problem at once
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		ve.Add("server.port", errors.CodeOutOfRange, "port must be within [1, 65535]", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		ve.Add("server.read_timeout", errors.CodeOutOfRange, "read timeout must be positive", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		ve.Add("server.write_timeout", errors.CodeOutOfRange, "write timeout must be positive", c.Server.WriteTimeout)
	}
	if c.Server.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout", errors.CodeOutOfRange, "shutdown timeout must be positive", c.Server.ShutdownTimeout)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		ve.Add("log.level", errors.CodeInvalidConfig, "unknown log level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		ve.Add("log.format", errors.CodeInvalidConfig, "log format must be json or text", c.Log.Format)
	}

	if c.API.EnableRateLimit && (c.API.RateLimitRequests <= 0 || c.API.RateLimitWindow <= 0) {
		ve.Add("api.rate_limit_requests", errors.CodeOutOfRange, "rate limit needs a positive request count and window", c.API.RateLimitRequests)
	}

	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendPostgres:
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.Host == "" {
			ve.Add("storage.postgres", errors.CodeMissingField, "postgres dsn or host is required", nil)
		}
	default:
		ve.Add("storage.backend", errors.CodeInvalidConfig, "storage backend must be memory or postgres", c.Storage.Backend)
	}

	if c.Redis.Enabled() && c.Redis.Addr == "" && len(c.Redis.ClusterAddrs) == 0 {
		ve.Add("redis.addr", errors.CodeMissingField, "redis address is required when cache or audit is enabled", nil)
	}
	if c.Redis.EnableCache && c.Redis.CacheTTL <= 0 {
		ve.Add("redis.cache_ttl", errors.CodeOutOfRange, "cache ttl must be positive", c.Redis.CacheTTL)
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		ve.Add("influxdb", errors.CodeMissingField, "influxdb url and bucket are required when enabled", nil)
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		ve.Add("s3.bucket", errors.CodeMissingField, "s3 bucket is required when enabled", nil)
	}

	if c.Engine.MonteCarloDraws < 0 || c.Engine.MonteCarloDraws > constants.MaxMonteCarloDraws {
		ve.Add("engine.monte_carlo_draws", errors.CodeOutOfRange,
			fmt.Sprintf("monte carlo draws must be within [0, %d]", constants.MaxMonteCarloDraws), c.Engine.MonteCarloDraws)
	}
	if c.Engine.MaxDurationDays < 0 {
		ve.Add("engine.max_duration_days", errors.CodeOutOfRange, "max duration cannot be negative", c.Engine.MaxDurationDays)
	}

	if c.Scheduler.Enabled && c.Scheduler.Concurrency < 0 {
		ve.Add("scheduler.concurrency", errors.CodeOutOfRange, "sweep concurrency cannot be negative", c.Scheduler.Concurrency)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		ve.Add("metrics.port", errors.CodeOutOfRange, "metrics port must be within [1, 65535]", c.Metrics.Port)
	}

	return ve.OrNil()
}

// GetAddress returns the server address
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NewLogger builds the process logger from the log section
func (c *Config) NewLogger() *logrus.Logger {
	return NewLogger(c.Log.Level, c.Log.Format)
}

// NewLogger creates a logrus logger with the given level and format
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger
}
