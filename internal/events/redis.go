package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Publisher is the subset of the Redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink mirrors events onto a Redis pub/sub channel as JSON.
type RedisSink struct {
	client  Publisher
	channel string
	logger  zerolog.Logger
}

func NewRedisSink(client Publisher, channel string, logger zerolog.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, logger: logger}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn().Err(err).Msg("marshal event failed")
		return
	}
	if err := s.client.Publish(ctx, s.channel, string(data)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("channel", s.channel).Msg("publish event failed")
	}
}

// Dial connects to the Redis server at url and verifies it with a PING.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
