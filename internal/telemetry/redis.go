package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/HerbHall/fleethub/pkg/models"
)

// Compile-time interface guard.
var _ LogSink = (*RedisLogSink)(nil)

// StreamAdder is the subset of *redis.Client used by RedisLogSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisLogSink appends AI log entries to a Redis stream, trimmed
// approximately to maxLen entries when maxLen > 0.
type RedisLogSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisLogSink wraps client.
func NewRedisLogSink(client StreamAdder, stream string, maxLen int64) *RedisLogSink {
	if stream == "" {
		stream = "fleethub:ai_logs"
	}
	return &RedisLogSink{client: client, stream: stream, maxLen: maxLen}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisLogSink) Name() string { return KindRedis }

// WriteLog adds one stream entry with device_id, timestamp and payload.
func (s *RedisLogSink) WriteLog(ctx context.Context, l models.AILog) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"device_id": l.DeviceID,
			"timestamp": l.Timestamp.UTC().Format(time.RFC3339Nano),
			"payload":   string(l.Payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisLogSink) Close() error { return s.client.Close() }
