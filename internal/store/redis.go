// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: The ttl field is mapped onto native key expiry (SET ... EXAT)

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements the Store interface on a Redis server. Eviction is
// delegated to Redis itself, so there is no sweeper.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	logger := slog.Default().With("component", "store", "driver", "redis")
	logger.Info("redis store initialized", "addr", cfg.Addr, "db", cfg.DB, "prefix", cfg.KeyPrefix)

	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Get returns the value under key, or ErrNotFound once Redis has expired it.
func (s *RedisStore) Get(ctx context.Context, key string) (*Item, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}
	return &Item{Key: key, Props: raw}, nil
}

// Set overwrites the value under key, setting native expiry from the ttl field.
func (s *RedisStore) Set(ctx context.Context, key string, props any) (*Item, error) {
	raw, err := encodeProps(props)
	if err != nil {
		return nil, err
	}

	at, hasTTL := expiryOf(raw)
	switch {
	case !hasTTL:
		err = s.client.Set(ctx, s.key(key), []byte(raw), 0).Err()
	case !s.now().Before(at):
		// Already past its expiry: the write is equivalent to an eviction.
		err = s.client.Del(ctx, s.key(key)).Err()
	default:
		err = s.client.SetArgs(ctx, s.key(key), []byte(raw), redis.SetArgs{ExpireAt: at}).Err()
	}
	if err != nil {
		return nil, fmt.Errorf("writing %q: %w", key, err)
	}
	return &Item{Key: key, Props: raw}, nil
}

// Delete removes key and returns the value it held.
func (s *RedisStore) Delete(ctx context.Context, key string) (*Item, error) {
	raw, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deleting %q: %w", key, err)
	}
	return &Item{Key: key, Props: raw}, nil
}

// Ping checks the connection to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
