package kvstore

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/donald-pinckney/blobidx/internal/errors"
)

// RedisStore is the production Store implementation, backed by a Redis
// server reachable at the configured redis_url.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore parses redisURL (a redis:// connection string) and
// returns a Store backed by it.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return &RedisStore{client: redis.NewClient(opt)}, nil
}

// NewRedisStoreFromClient wraps an already-configured client, so tests can
// point it at a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get")
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis hgetall")
	}
	return m, nil
}

func (s *RedisStore) HashSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return errors.Wrap(err, "redis hset")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
