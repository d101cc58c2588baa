// Package ratelimit throttles the authenticated API. Counters live in Redis so
// every instance shares the same window.
package ratelimit

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

const (
	defaultMax    = 120
	defaultWindow = time.Minute
)

// NewRedisStorage builds limiter storage on the cache connection settings,
// using database 1 so counters never collide with the job queue in DB 0.
func NewRedisStorage() fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		if h, p, err := net.SplitHostPort(client.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("RATE_LIMIT_CACHE_DB", 1),
		Reset:    false,
	})
}

// Config tunes New. Zero values fall back to API_RATE_LIMIT and
// API_RATE_WINDOW from the environment.
type Config struct {
	Max        int
	Expiration time.Duration
	// Storage is nil for the in-process store.
	Storage fiber.Storage
}

// New returns the limiter middleware. Requests are keyed by API key when one
// is sent and by client IP otherwise.
func New(cfg Config) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = env.GetEnvInt("API_RATE_LIMIT", defaultMax)
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = env.GetEnvDuration("API_RATE_WINDOW", defaultWindow)
	}

	return limiter.New(limiter.Config{
		Max:          cfg.Max,
		Expiration:   cfg.Expiration,
		Storage:      cfg.Storage,
		KeyGenerator: keyFor,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	})
}

func keyFor(c *fiber.Ctx) string {
	// raw keys never reach Redis
	if key := c.Get("X-API-Key"); key != "" {
		return "key:" + models.HashAPIKey(key)
	}
	if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
		return "key:" + models.HashAPIKey(auth)
	}
	return "ip:" + c.IP()
}
