package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps Metadata as one JSON value under a single key, so a
// SET replaces it atomically.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Get(ctx context.Context) (*Metadata, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NewMetadata(), nil
		}
		return nil, fmt.Errorf("reading metadata from redis: %w", err)
	}
	return decodeMetadata(data)
}

func (s *RedisStore) Put(ctx context.Context, md *Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("writing metadata to redis: %w", err)
	}
	return nil
}
