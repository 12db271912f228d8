package events

import (
	"context"
	"encoding/json"
	"fmt"

	"blood-request-engine/internal/entity"

	"github.com/go-redis/redis/v8"
)

const DefaultStream = "blood-request-events"

// RedisStreamPublisher appends every event to a Redis stream as a JSON "data" field.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}

	return &RedisStreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, event entity.RequestEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"request_id": event.RequestId,
			"status":     string(event.To),
			"data":       string(data),
			"timestamp":  event.At.Unix(),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}

	return nil
}
