// Package distributed coordinates multiple signaling instances over Redis
// pub/sub by broadcasting room lifecycle events.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roomlink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventChannel = "roomlink:events"

// EventBus publishes and subscribes to room lifecycle events. Events carry
// the originating instance id so subscribers can skip their own broadcasts.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// PublishRoomEvent broadcasts one event, stamping instance id and timestamp.
func (eb *EventBus) PublishRoomEvent(ctx context.Context, event *domain.RoomEvent) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eventChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published room event",
		"type", event.Type,
		"room_id", event.RoomID,
		"participant", event.Participant,
	)
	return nil
}

// Subscribe delivers events from other instances to handler until the context
// is cancelled. Events published by this instance are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*domain.RoomEvent) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eventChannel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

// dispatch decodes one raw payload, skipping malformed events and this
// instance's own broadcasts.
func (eb *EventBus) dispatch(payload string, handler func(*domain.RoomEvent) error) {
	var event domain.RoomEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal room event", "error", err, "payload", payload)
		return
	}
	if event.InstanceID == eb.instanceID {
		return
	}
	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling room event", "type", event.Type, "error", err)
	}
}

// Close tears down the subscription if one is active.
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
