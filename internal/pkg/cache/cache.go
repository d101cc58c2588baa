// Package cache owns the process-wide Redis client. Redis carries the
// notification job queue, rate limiter state, webhook counters and the
// retry sweeper lock; the billing engine itself never depends on it.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

const pingTimeout = 3 * time.Second

var client *redis.Client

// SetupCache connects to Redis. A failed ping is only logged; callers that
// need Redis report their own errors when commands fail.
func SetupCache() {
	client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password:     env.GetEnv("CACHE_PASSWORD", ""),
		DB:           env.GetEnvInt("CACHE_DB", 0),
		PoolSize:     env.GetEnvInt("CACHE_POOL_SIZE", 20),
		ReadTimeout:  env.GetEnvDuration("CACHE_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: env.GetEnvDuration("CACHE_WRITE_TIMEOUT", 3*time.Second),
	})

	if err := Ping(context.Background()); err != nil {
		log.Warnf("[Cache] redis at %s unreachable: %v", client.Options().Addr, err)
		return
	}
	log.Infof("[Cache] connected to redis at %s (db %d)", client.Options().Addr, client.Options().DB)
}

// GetClient returns the shared client, connecting on first use.
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Ping checks the connection with a short deadline.
func Ping(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}
