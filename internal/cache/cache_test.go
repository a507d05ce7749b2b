package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstore "github.com/inferloop/splitlab/internal/storage/implementations/redis"
	"github.com/inferloop/splitlab/pkg/interfaces"
	"github.com/inferloop/splitlab/pkg/models"
)

var (
	_ interfaces.ActiveCache = (*MemoryCache)(nil)
	_ interfaces.ActiveCache = (*RedisCache)(nil)
)

func runningExperiment() *models.Experiment {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &models.Experiment{
		ID:                "exp-1",
		Name:              "Checkout button",
		Status:            models.StatusRunning,
		StartTime:         &start,
		TrafficAllocation: 100,
		ConfidenceLevel:   95,
		Variants: []*models.Variant{
			{ID: "control", Name: "Control", TrafficSplit: 50, IsControl: true},
			{ID: "treatment", Name: "Green", TrafficSplit: 50},
		},
		Metrics: []*models.Metric{
			{Name: "purchase", Type: models.MetricConversion, Direction: models.DirectionIncrease, Primary: true},
		},
	}
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redisstore.NewRedisClient(&redisstore.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"}, nil)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	return NewRedisCache(client, 30*time.Second, nil), mr
}

func TestCaches(t *testing.T) {
	redisCache, _ := newRedisCache(t)

	caches := map[string]interfaces.ActiveCache{
		"memory": NewMemoryCache(),
		"redis":  redisCache,
	}

	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok := c.Get(ctx, "exp-1")
			assert.False(t, ok)

			exp := runningExperiment()
			require.NoError(t, c.Put(ctx, exp))

			got, ok := c.Get(ctx, "exp-1")
			require.True(t, ok)
			assert.Equal(t, "Checkout button", got.Name)
			require.Len(t, got.Variants, 2)
			assert.True(t, got.Variants[0].IsControl)
			assert.True(t, exp.StartTime.Equal(*got.StartTime))

			// mutating the returned copy leaves the cache alone
			got.Variants[0].TrafficSplit = 10
			again, ok := c.Get(ctx, "exp-1")
			require.True(t, ok)
			assert.Equal(t, 50.0, again.Variants[0].TrafficSplit)

			require.NoError(t, c.Invalidate(ctx, "exp-1"))
			_, ok = c.Get(ctx, "exp-1")
			assert.False(t, ok)

			require.NoError(t, c.Invalidate(ctx, "missing"))
		})
	}
}

func TestRedisCacheTTL(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, runningExperiment()))
	assert.Equal(t, 30*time.Second, mr.TTL("test:experiment:exp-1"))

	mr.FastForward(31 * time.Second)
	_, ok := c.Get(ctx, "exp-1")
	assert.False(t, ok)
}

func TestRedisCacheCorruptEntry(t *testing.T) {
	c, mr := newRedisCache(t)
	require.NoError(t, mr.Set("test:experiment:exp-1", "not json"))

	_, ok := c.Get(context.Background(), "exp-1")
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:experiment:exp-1"))
}

func TestRedisCacheMissOnOutage(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, runningExperiment()))

	mr.Close()
	_, ok := c.Get(ctx, "exp-1")
	assert.False(t, ok)
}

func TestMemoryCacheLen(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, runningExperiment()))
	assert.Equal(t, 1, c.Len())
	require.NoError(t, c.Invalidate(ctx, "exp-1"))
	assert.Equal(t, 0, c.Len())
}
