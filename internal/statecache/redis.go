package statecache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares the dedup cache between ingestion processes.
// Swap uses SET ... GET so the read and write are one atomic command.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "homesignal:dedup:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) Swap(ctx context.Context, key string, v Value) (Value, bool, error) {
	old, err := r.client.SetArgs(ctx, r.prefix+key, encodeValue(v), redis.SetArgs{Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, fmt.Errorf("redis swap %s: %w", key, err)
	}
	prev, ok := decodeValue(old)
	return prev, ok, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (Value, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	v, ok := decodeValue(raw)
	return v, ok, nil
}

// Close releases the Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// encodeValue prefixes the kind so "true" the string and true the bool
// stay distinct.
func encodeValue(v Value) string {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return "b:1"
		}
		return "b:0"
	default:
		return "s:" + v.Str
	}
}

func decodeValue(raw string) (Value, bool) {
	kind, body, ok := strings.Cut(raw, ":")
	if !ok {
		return Value{}, false
	}
	switch kind {
	case "b":
		return Bool(body == "1"), true
	case "s":
		return String(body), true
	}
	return Value{}, false
}
