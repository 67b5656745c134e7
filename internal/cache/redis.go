package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the entry under a single redis key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects lazily to the redis server at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) Load(ctx context.Context) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, entryKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *RedisStore) Save(ctx context.Context, e Entry) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, entryKey, raw, 0).Err()
}

// Ping checks if redis is reachable. Used for health checks.
func (s *RedisStore) Ping() error {
	return s.client.Ping(context.Background()).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
