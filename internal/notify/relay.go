package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// streamAdder is the slice of the redis client the relay needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisRelay appends insights to a Redis stream read by delegated
// sub-contexts.
type RedisRelay struct {
	client streamAdder
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisRelay creates a relay on an existing client.
func NewRedisRelay(client *redis.Client, stream string, maxLen int64, logger *slog.Logger) *RedisRelay {
	return newRedisRelay(client, stream, maxLen, logger)
}

func newRedisRelay(client streamAdder, stream string, maxLen int64, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With("component", "notify.relay"),
	}
}

// DialRedis parses url and returns a connected client.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Deliver implements insights.Channel.
func (r *RedisRelay) Deliver(ctx context.Context, msg insights.Message) error {
	ids := make([]string, 0, len(msg.Insights))
	for _, ins := range msg.Insights {
		ids = append(ids, ins.ID)
	}
	encoded, err := json.Marshal(msg.Insights)
	if err != nil {
		return fmt.Errorf("encode insights: %w", err)
	}

	fields := map[string]any{
		"kind":     string(msg.Kind),
		"title":    msg.Title,
		"body":     msg.Body,
		"urgency":  string(msg.Urgency),
		"sent_at":  msg.SentAt.UTC().Format(time.RFC3339Nano),
		"insights": string(encoded),
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: fields,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	entryID, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("relay insight: %w", err)
	}

	r.logger.DebugContext(ctx, "relayed insights", "stream", r.stream, "entry", entryID, "insights", ids)
	return nil
}
