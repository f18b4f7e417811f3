package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces the mirror's Redis Pub/Sub channels.
const DefaultChannelPrefix = "patze:events:"

// RedisMirror republishes bus events to Redis Pub/Sub, one channel per event
// type. Delivery is best-effort: a publish failure is logged and the local
// bus is unaffected.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects a mirror. The connection is verified eagerly so a
// bad address fails at startup, not on first publish.
func NewRedisMirror(addr, password string, db int, prefix string) (*RedisMirror, error) {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisMirror{client: client, prefix: prefix}, nil
}

// Mirror publishes the event to patze:events:<type>. Never blocks the caller
// beyond the publish timeout.
func (m *RedisMirror) Mirror(e *Event) {
	data, err := e.JSON()
	if err != nil {
		slog.Error("event mirror marshal failed", "type", e.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Publish(ctx, m.prefix+e.Type, data).Err(); err != nil {
		slog.Warn("event mirror publish failed", "type", e.Type, "error", err)
	}
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
