package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/infrastructure/redis"
)

const (
	messageKeyPrefix = "sigpull:msg:"
	contextKeyPrefix = "sigpull:ctx:"
)

func messageKey(id string) string {
	return messageKeyPrefix + id
}

func contextIndexKey(contextID string) string {
	return contextKeyPrefix + contextID + ":messages"
}

// RedisBackend stores each message as a JSON document with an ordered index
// list per context
type RedisBackend struct {
	redisService *redis.Service
}

func NewRedisBackend(redisService *redis.Service) *RedisBackend {
	return &RedisBackend{redisService: redisService}
}

func (rb *RedisBackend) Name() string { return "redis" }

func (rb *RedisBackend) Save(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return rb.redisService.SetWithIndex(ctx, messageKey(msg.ID), string(data), contextIndexKey(msg.ContextID), msg.ID)
}

func (rb *RedisBackend) Load(ctx context.Context, contextID string) ([]models.Message, error) {
	ids, err := rb.redisService.ListRange(ctx, contextIndexKey(contextID))
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}

	docs, err := rb.redisService.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(docs))
	for i, doc := range docs {
		if doc == "" {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(doc), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", ids[i], err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Close is a no-op. The connection belongs to the caller that opened it.
func (rb *RedisBackend) Close() error {
	return nil
}
