package store

import (
	"context"
	"fmt"

	"github.com/deepgram/sigpull/internal/infrastructure/redis"
	"github.com/rs/zerolog/log"
)

// NewBackend selects a persistence backend. "memory" returns nil. A redis
// driver without a reachable server falls back to memory.
func NewBackend(driver, path string, redisService *redis.Service) (Backend, error) {
	switch driver {
	case "", "memory":
		return nil, nil
	case "redis":
		if redisService == nil {
			log.Warn().Msg("Redis unavailable - falling back to in-memory message store")
			return nil, nil
		}
		if err := redisService.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Redis ping failed - falling back to in-memory message store")
			return nil, nil
		}
		return NewRedisBackend(redisService), nil
	case "sqlite":
		backend, err := NewSQLiteBackend(path)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
