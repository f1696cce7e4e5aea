package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "caseload:idempotency:"

// RedisIdempotencyStore shares stored responses between server instances.
type RedisIdempotencyStore struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisIdempotencyStore(client goredis.UniversalClient, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

// OpenRedis connects to the server named by a redis:// URL and pings it.
func OpenRedis(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*StoredResponse, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var resp StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, true, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode stored response: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
