package cache

import (
	"fmt"
	"time"

	"codechat/config"
)

// Type constants for cache backends
const (
	TypeLocal = "local"
	TypeRedis = "redis"
)

// New builds the cache selected by cfg.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "", TypeLocal:
		return NewLocalCache(cfg.Dir), nil
	case TypeRedis:
		return NewRedisCache(RedisConfig{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
			TTL:    time.Duration(cfg.Redis.TTL) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown cache type: %s (valid: local, redis)", cfg.Type)
	}
}
