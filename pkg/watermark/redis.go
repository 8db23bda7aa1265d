package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sftpflow:watermark:"

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisDocument struct {
	Version   int64           `json:"version"`
	Watermark json.RawMessage `json:"watermark"`
}

// RedisStore keeps each watermark as a versioned JSON document and guards
// Save with WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Watermark, error) {
	doc, err := s.get(ctx, s.client, key)
	if err != nil || doc == nil {
		return nil, err
	}
	return decode(doc.Watermark, doc.Version)
}

func (s *RedisStore) Save(ctx context.Context, key string, w *Watermark) error {
	data, err := encode(w)
	if err != nil {
		return err
	}
	next := w.Version + 1
	payload, err := json.Marshal(redisDocument{Version: next, Watermark: data})
	if err != nil {
		return fmt.Errorf("marshal watermark document: %w", err)
	}

	redisKey := redisKeyPrefix + key
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		var version int64
		if current != nil {
			version = current.Version
		}
		if version != w.Version {
			return fmt.Errorf("save %s at version %d, stored %d: %w", key, w.Version, version, ErrVersionConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, 0)
			return nil
		})
		return err
	}, redisKey)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("save %s: concurrent update: %w", key, ErrVersionConflict)
	}
	if err != nil {
		return err
	}
	w.Version = next
	return nil
}

func (s *RedisStore) get(ctx context.Context, c getter, key string) (*redisDocument, error) {
	result, err := c.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get watermark %s: %w", key, err)
	}
	var doc redisDocument
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal watermark document: %w", err)
	}
	return &doc, nil
}
