package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	redisstore "github.com/inferloop/splitlab/internal/storage/implementations/redis"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/models"
)

// DefaultTTL bounds how long a cached experiment survives a missed
// invalidation, for example when another replica stops it.
const DefaultTTL = time.Minute

// RedisCache shares running experiments between engine replicas. Each
// experiment is stored as a JSON document under prefix:experiment:<id>.
type RedisCache struct {
	client *redisstore.RedisClient
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisCache creates a cache on top of a connected Redis client
func NewRedisCache(client *redisstore.RedisClient, ttl time.Duration, logger *logrus.Logger) *RedisCache {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) key(id string) string {
	return c.client.Key("experiment", id)
}

// Get returns the cached experiment. Redis errors count as a miss so the
// caller falls back to the store.
func (c *RedisCache) Get(ctx context.Context, id string) (*models.Experiment, bool) {
	client, err := c.client.Client()
	if err != nil {
		return nil, false
	}

	data, err := client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if !stderrors.Is(err, redis.Nil) {
			c.logger.WithError(err).WithField("experiment_id", id).Warn("Cache read failed")
		}
		return nil, false
	}

	var exp models.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		c.logger.WithError(err).WithField("experiment_id", id).Warn("Dropping undecodable cache entry")
		client.Del(ctx, c.key(id))
		return nil, false
	}
	return &exp, true
}

// Put caches the experiment with the configured TTL
func (c *RedisCache) Put(ctx context.Context, exp *models.Experiment) error {
	client, err := c.client.Client()
	if err != nil {
		return err
	}

	data, err := json.Marshal(exp)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to encode experiment")
	}

	if err := client.Set(ctx, c.key(exp.ID), data, c.ttl).Err(); err != nil {
		return errors.WrapStorageError(err, "set", "redis")
	}
	return nil
}

// Invalidate drops an experiment from the cache
func (c *RedisCache) Invalidate(ctx context.Context, id string) error {
	client, err := c.client.Client()
	if err != nil {
		return err
	}

	if err := client.Del(ctx, c.key(id)).Err(); err != nil {
		return errors.WrapStorageError(err, "del", "redis")
	}
	return nil
}
