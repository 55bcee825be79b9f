package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Service holds the message documents of the redis store backend
type Service struct {
	client *redis.Client
}

// NewService connects to Redis. It returns nil when url is empty or the
// server does not answer a ping, so callers can fall back to memory.
func NewService(url, password string, db int) *Service {
	if url == "" {
		log.Warn().Msg("Redis URL not configured - service will be unavailable")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().
			Err(err).
			Str("addr", url).
			Msg("Failed to establish Redis connection")
		client.Close()
		return nil
	}

	return &Service{
		client: client,
	}
}

// MGet retrieves several values; missing keys yield empty strings
func (s *Service) MGet(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Error().Err(err).Int("keys", len(keys)).Msg("Critical Redis MGET operation failed")
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out, nil
}

// setWithIndex writes the value and appends the member to the ordered index
// only the first time it is seen, so rewrites keep their original position.
var setWithIndex = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
if redis.call('SADD', KEYS[3], ARGV[2]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[2])
end
return 1
`)

// SetWithIndex stores value under key and appends member to the ordered index
// list when it is not already present.
func (s *Service) SetWithIndex(ctx context.Context, key string, value interface{}, index, member string) error {
	err := setWithIndex.Run(ctx, s.client, []string{key, index, index + ":members"}, value, member).Err()
	if err != nil {
		log.Error().Err(err).Str("key", key).Str("index", index).Msg("Critical Redis indexed SET failed")
	}
	return err
}

// ListRange returns the members of an index list
func (s *Service) ListRange(ctx context.Context, index string) ([]string, error) {
	return s.client.LRange(ctx, index, 0, -1).Result()
}

// Ping checks if Redis is accessible
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Service) Close() error {
	return s.client.Close()
}
