package config

import "github.com/redis/go-redis/v9"

// NewRedisClient builds the shared Redis client used for leases, flags, OAuth state and rate limits.
func NewRedisClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
