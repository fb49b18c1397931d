package notify

import (
	"context"
	"fmt"

	"aegis/soar"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultEventsChannel is the pub/sub channel lifecycle events go to
const DefaultEventsChannel = "aegis:playbook:events"

// RedisPublisher publishes msgpack-encoded lifecycle events on a Redis
// pub/sub channel
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.SugaredLogger
}

// NewRedisPublisher creates a publisher on channel
func NewRedisPublisher(client redis.UniversalClient, channel string, logger *zap.SugaredLogger) *RedisPublisher {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// Channel returns the pub/sub channel name
func (p *RedisPublisher) Channel() string { return p.channel }

// Notify publishes the event
func (p *RedisPublisher) Notify(ctx context.Context, event *soar.Event) error {
	data, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	p.logger.Debugw("Published lifecycle event",
		"event", event.Type,
		"channel", p.channel,
		"receivers", receivers)
	return nil
}

// Subscribe streams decoded events from channel until ctx ends. Messages that
// fail to decode are logged and skipped.
func Subscribe(ctx context.Context, client redis.UniversalClient, channel string, logger *zap.SugaredLogger) (<-chan *soar.Event, error) {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan *soar.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				event, err := DecodeEvent([]byte(msg.Payload))
				if err != nil {
					logger.Warnw("Dropping undecodable lifecycle event", "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
