package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher broadcasts JSON payloads with PUBLISH. Channel names are
// the topic with an optional prefix.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a publisher. prefix defaults to "stepflow:".
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the Redis channel used for topic.
func (p *RedisPublisher) Channel(topic string) string { return p.prefix + topic }

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	return p.client.Publish(ctx, p.Channel(topic), data).Err()
}
