package server

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/cache"
	"github.com/inferloop/splitlab/internal/lifecycle"
	"github.com/inferloop/splitlab/internal/observability/health"
	"github.com/inferloop/splitlab/internal/observability/metrics"
	"github.com/inferloop/splitlab/internal/stats/bayesian"
	"github.com/inferloop/splitlab/internal/storage"
	"github.com/inferloop/splitlab/internal/storage/implementations/influxdb"
	"github.com/inferloop/splitlab/internal/storage/implementations/postgres"
	redisstore "github.com/inferloop/splitlab/internal/storage/implementations/redis"
	"github.com/inferloop/splitlab/internal/storage/implementations/s3"
	"github.com/inferloop/splitlab/pkg/interfaces"
)

// Components holds the connected backends and the controller built on them.
// The server and the sweep worker share this wiring.
type Components struct {
	Store      interfaces.Store
	Redis      *redisstore.RedisClient
	History    *influxdb.HistorySink
	Archive    *s3.ArchiveSink
	Metrics    *metrics.PrometheusMetrics
	Controller *lifecycle.Controller
	Monitor    *health.Monitor

	logger  *logrus.Logger
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// BuildComponents connects every enabled backend and wires the lifecycle
// controller. Anything already connected is closed if a later step fails.
func BuildComponents(ctx context.Context, config *Config, logger *logrus.Logger) (*Components, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Components{
		Monitor: health.NewMonitor(0, logger),
		logger:  logger,
	}

	if err := c.build(ctx, config); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context, config *Config) error {
	var err error

	c.Metrics, err = metrics.NewPrometheusMetrics(&config.Metrics, c.logger)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	storageConfig := config.Storage
	c.Store, err = storage.NewFactory(c.logger).CreateStore(&storageConfig)
	if err != nil {
		return err
	}
	if pg, ok := c.Store.(*postgres.PostgresStorage); ok {
		pg.SetObserver(c.Metrics)
	}
	if err := c.Store.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect %s store: %w", storageConfig.Backend, err)
	}
	c.addCloser("store", c.Store.Close)
	c.Monitor.RegisterCheck("store", c.Store.Ping, true)

	opts := lifecycle.Options{
		Store:   c.Store,
		Metrics: c.Metrics,
		Logger:  c.logger,
		Bayesian: bayesian.NewAnalyzer(bayesian.Config{
			Draws: config.Engine.MonteCarloDraws,
			Seed:  config.Engine.Seed,
		}, c.logger),
		MaxDuration: config.Engine.MaxDuration(),
	}

	if config.Redis.Enabled() {
		redisConfig := config.Redis.RedisConfig
		c.Redis, err = redisstore.NewRedisClient(&redisConfig, c.logger)
		if err != nil {
			return err
		}
		if err := c.Redis.Connect(ctx); err != nil {
			return err
		}
		c.addCloser("redis", c.Redis.Close)
		c.Monitor.RegisterCheck("redis", c.Redis.Ping, false)

		if config.Redis.EnableCache {
			opts.Cache = cache.NewRedisCache(c.Redis, config.Redis.CacheTTL, c.logger)
		}
		if config.Redis.EnableAudit {
			opts.Events = redisstore.NewEventStream(c.Redis, redisstore.StreamConfig{
				Stream: config.Redis.Stream,
				MaxLen: config.Redis.StreamMaxLen,
			}, c.logger)
		}
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache()
	}

	if config.InfluxDB.Enabled {
		influxConfig := config.InfluxDB.InfluxDBConfig
		c.History, err = influxdb.NewHistorySink(&influxConfig, c.logger)
		if err != nil {
			return err
		}
		if err := c.History.Connect(ctx); err != nil {
			return err
		}
		c.addCloser("influxdb", c.History.Close)
		c.Monitor.RegisterCheck("influxdb", c.History.Ping, false)
		opts.History = append(opts.History, c.History)
	}

	if config.S3.Enabled {
		s3Config := config.S3.S3Config
		c.Archive, err = s3.NewArchiveSink(&s3Config, c.logger)
		if err != nil {
			return err
		}
		if err := c.Archive.Connect(ctx); err != nil {
			return err
		}
		c.addCloser("s3", c.Archive.Close)
		c.Monitor.RegisterCheck("s3", c.Archive.Ping, false)
		opts.Archive = append(opts.Archive, c.Archive)
	}

	c.Controller, err = lifecycle.NewController(opts)
	if err != nil {
		return fmt.Errorf("failed to create lifecycle controller: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"backend":  storageConfig.Backend,
		"redis":    c.Redis != nil,
		"influxdb": c.History != nil,
		"s3":       c.Archive != nil,
	}).Info("Components initialized")
	return nil
}

func (c *Components) addCloser(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

// Close releases connections in reverse order of creation
func (c *Components) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		closer := c.closers[i]
		if err := closer.close(); err != nil {
			c.logger.WithError(err).WithField("component", closer.name).Error("Failed to close component")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.closers = nil
	return firstErr
}
