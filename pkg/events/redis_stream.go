package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends events to a capped Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisStreamConfig configures a RedisStreamPublisher.
type RedisStreamConfig struct {
	Stream string
	MaxLen int64
}

// NewRedisStreamPublisher builds a publisher on an existing client.
func NewRedisStreamPublisher(client *redis.Client, cfg RedisStreamConfig) (*RedisStreamPublisher, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "marketplace:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":    e.ID,
			"type":        e.Type,
			"occurred_at": e.OccurredAt.UnixMilli(),
			"data":        string(data),
		},
	}).Err()
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisStreamPublisher) Close() error { return nil }
