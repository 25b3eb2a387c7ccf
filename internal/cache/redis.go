package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces every key written by this process.
	DefaultRedisPrefix = "codechat:"

	// DefaultRedisTTL bounds how long an entry survives without a refresh.
	DefaultRedisTTL = 24 * time.Hour

	redisDialCheck = 5 * time.Second
)

// Hash fields of a stored entry.
const (
	fieldKey       = "key"
	fieldFetchedAt = "fetched_at"
	fieldData      = "data"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL, e.g. "redis://:password@host:6379/0".
	URL    string
	Prefix string
	TTL    time.Duration
}

// RedisCache keeps each entry as a hash at Prefix+key, expiring after TTL.
// Several bridge instances can share one Redis to avoid refetching rules.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache dials Redis and checks it answers before returning.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialCheck)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("redis at %s unreachable: %w", opts.Addr, err), rdb.Close())
	}

	c := newRedisCache(rdb, cfg.Prefix, cfg.TTL)
	slog.Info("redis cache connected", "addr", opts.Addr, "db", opts.DB, "prefix", c.prefix, "ttl", c.ttl)
	return c, nil
}

func newRedisCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	fields, err := c.rdb.HGetAll(ctx, c.prefix+key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis HGETALL %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	entry := &Entry{Key: fields[fieldKey], Data: []byte(fields[fieldData])}
	if ts := fields[fieldFetchedAt]; ts != "" {
		if entry.FetchedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("redis entry %s: bad %s: %w", key, fieldFetchedAt, err)
		}
	}
	return entry, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry *Entry) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}

	full := c.prefix + key
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, full)
		p.HSet(ctx, full,
			fieldKey, entry.Key,
			fieldFetchedAt, entry.FetchedAt.UTC().Format(time.RFC3339Nano),
			fieldData, string(entry.Data),
		)
		p.Expire(ctx, full, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
