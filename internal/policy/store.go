package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is an optional external key-value level for the decision cache. The
// backing store is opaque to the gateway; it only needs TTL-aware get/set.
type Store interface {
	Get(ctx context.Context, key string) (*Decision, bool, error)
	Set(ctx context.Context, key string, d *Decision, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

const redisKeyPrefix = "toolgate:decision:"

// RedisStore backs the decision cache with Redis. Keys expire server-side
// via the TTL passed on Set.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a Redis-backed store.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Decision, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, d *Decision, ttl time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Clear implements Store. Deletion scans the gateway's own prefix instead of
// flushing the whole database, which may be shared.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
