package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/models"
)

// StreamConfig configures the audit stream
type StreamConfig struct {
	Stream string `json:"stream" mapstructure:"stream"`
	MaxLen int64  `json:"max_len" mapstructure:"max_len"`
}

// EventStream appends lifecycle events to a capped Redis stream
type EventStream struct {
	client *RedisClient
	stream string
	maxLen int64
	logger *logrus.Logger
}

// NewEventStream creates an event sink writing to the configured stream
func NewEventStream(client *RedisClient, config StreamConfig, logger *logrus.Logger) *EventStream {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Stream == "" {
		config.Stream = constants.DefaultAuditStream
	}
	if config.MaxLen <= 0 {
		config.MaxLen = constants.DefaultAuditStreamMaxLen
	}
	return &EventStream{
		client: client,
		stream: client.Key(config.Stream),
		maxLen: config.MaxLen,
		logger: logger,
	}
}

// Publish appends an event to the stream
func (s *EventStream) Publish(ctx context.Context, event *models.LifecycleEvent) error {
	client, err := s.client.Client()
	if err != nil {
		return err
	}

	values := map[string]interface{}{
		"id":            event.ID,
		"type":          string(event.Type),
		"experiment_id": event.ExperimentID,
		"occurred_at":   event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if event.VariantID != "" {
		values["variant_id"] = event.VariantID
	}
	if event.Reason != "" {
		values["reason"] = string(event.Reason)
	}
	if len(event.Attributes) > 0 {
		attrs, err := json.Marshal(event.Attributes)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to encode event attributes")
		}
		values["attributes"] = string(attrs)
	}

	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return errors.WrapStorageError(err, "xadd", "redis")
	}

	s.logger.WithFields(logrus.Fields{
		"stream":        s.stream,
		"entry_id":      id,
		"event_type":    event.Type,
		"experiment_id": event.ExperimentID,
	}).Debug("Published lifecycle event")

	return nil
}

// ReadEvents returns up to count events, oldest first. A count of zero
// returns the whole stream.
func (s *EventStream) ReadEvents(ctx context.Context, count int64) ([]*models.LifecycleEvent, error) {
	client, err := s.client.Client()
	if err != nil {
		return nil, err
	}

	var messages []redis.XMessage
	if count > 0 {
		messages, err = client.XRangeN(ctx, s.stream, "-", "+", count).Result()
	} else {
		messages, err = client.XRange(ctx, s.stream, "-", "+").Result()
	}
	if err != nil {
		return nil, errors.WrapStorageError(err, "xrange", "redis")
	}

	events := make([]*models.LifecycleEvent, 0, len(messages))
	for _, msg := range messages {
		event, err := decodeEvent(msg.Values)
		if err != nil {
			s.logger.WithError(err).WithField("entry_id", msg.ID).Warn("Skipping malformed stream entry")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func decodeEvent(values map[string]interface{}) (*models.LifecycleEvent, error) {
	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}

	event := &models.LifecycleEvent{
		ID:           str("id"),
		Type:         models.EventType(str("type")),
		ExperimentID: str("experiment_id"),
		VariantID:    str("variant_id"),
		Reason:       models.StopReason(str("reason")),
	}

	if ts := str("occurred_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, err
		}
		event.OccurredAt = t
	}

	if attrs := str("attributes"); attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &event.Attributes); err != nil {
			return nil, err
		}
	}
	return event, nil
}
