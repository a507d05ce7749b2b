package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/splitlab/pkg/models"
)

func connectedClient(t *testing.T, prefix string) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(&RedisConfig{Addr: mr.Addr(), KeyPrefix: prefix}, logrus.New())
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewRedisClient(t *testing.T) {
	config := &RedisConfig{Addr: "localhost:6379"}

	logger := logrus.New()
	client, err := NewRedisClient(config, logger)

	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, config, client.config)
	assert.Equal(t, logger, client.logger)
}

func TestNewRedisClientInvalidConfig(t *testing.T) {
	_, err := NewRedisClient(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewRedisClient(&RedisConfig{}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address or cluster addresses are required")
}

func TestRedisClientKeys(t *testing.T) {
	client, err := NewRedisClient(&RedisConfig{Addr: "localhost:6379", KeyPrefix: "test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "test:experiment:exp-1", client.Key("experiment", "exp-1"))

	client, err = NewRedisClient(&RedisConfig{Addr: "localhost:6379"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "splitlab:experiment-events", client.Key("experiment-events"))
}

func TestRedisClientLifecycle(t *testing.T) {
	client, _ := connectedClient(t, "test")
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	err := client.Ping(ctx)
	require.Error(t, err)

	_, err = client.Client()
	require.Error(t, err)
}

func TestRedisClientConnectFailure(t *testing.T) {
	client, err := NewRedisClient(&RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}, nil)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to connect to Redis")
}

func TestEventStreamPublishAndRead(t *testing.T) {
	client, mr := connectedClient(t, "test")
	stream := NewEventStream(client, StreamConfig{}, nil)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, stream.Publish(ctx, &models.LifecycleEvent{
		ID:           "evt-1",
		Type:         models.EventExperimentStarted,
		ExperimentID: "exp-1",
		OccurredAt:   at,
	}))
	require.NoError(t, stream.Publish(ctx, &models.LifecycleEvent{
		ID:           "evt-2",
		Type:         models.EventExperimentStopped,
		ExperimentID: "exp-1",
		VariantID:    "treatment",
		Reason:       models.StopSignificance,
		Attributes:   map[string]string{"p_value": "0.0065"},
		OccurredAt:   at.Add(time.Hour),
	}))

	assert.True(t, mr.Exists("test:experiment-events"))

	events, err := stream.ReadEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, models.EventExperimentStarted, events[0].Type)
	assert.True(t, at.Equal(events[0].OccurredAt))
	assert.Empty(t, events[0].VariantID)

	assert.Equal(t, "treatment", events[1].VariantID)
	assert.Equal(t, models.StopSignificance, events[1].Reason)
	assert.Equal(t, "0.0065", events[1].Attributes["p_value"])

	first, err := stream.ReadEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "evt-1", first[0].ID)
}

func TestEventStreamTrimsToMaxLen(t *testing.T) {
	client, _ := connectedClient(t, "test")
	stream := NewEventStream(client, StreamConfig{Stream: "audit", MaxLen: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, stream.Publish(ctx, &models.LifecycleEvent{
			ID:           string(rune('a' + i)),
			Type:         models.EventExperimentCreated,
			ExperimentID: "exp-1",
			OccurredAt:   time.Now().UTC(),
		}))
	}

	events, err := stream.ReadEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "j", events[2].ID)
}

func TestEventStreamNotConnected(t *testing.T) {
	client, err := NewRedisClient(&RedisConfig{Addr: "localhost:6379"}, nil)
	require.NoError(t, err)

	stream := NewEventStream(client, StreamConfig{}, nil)
	err = stream.Publish(context.Background(), &models.LifecycleEvent{ID: "x"})
	require.Error(t, err)
}
