// Package bootstrap wires the shared runtime used by paymentd and payctl.
package bootstrap

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/deadletter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/notify"
	"github.com/ManuelReschke/PayRecon/internal/pkg/secretbox"
)

// Runtime holds the services built from the environment.
type Runtime struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Repos    *repository.Repositories
	Gateways *gateway.Registry
	Billing  *billing.Service
	// Archiving is true when a dead-letter sink is configured.
	Archiving bool
}

// Options selects the optional parts of the runtime.
type Options struct {
	// Dispatcher receives post-commit notifications; nil logs them.
	Dispatcher notify.Dispatcher
}

// OpenSecretBox returns the settings box, or nil when
// SETTINGS_ENCRYPTION_KEY is unset.
func OpenSecretBox() (*secretbox.Box, error) {
	key := env.GetEnv("SETTINGS_ENCRYPTION_KEY", "")
	if key == "" {
		log.Warn("[Settings] SETTINGS_ENCRYPTION_KEY not set, gateway secrets can only come from the environment")
		return nil, nil
	}
	return secretbox.New(key)
}

// New builds repositories, the gateway registry and the billing service on
// an open database. redisClient may be nil.
func New(ctx context.Context, db *gorm.DB, redisClient *redis.Client, opts Options) (*Runtime, error) {
	box, err := OpenSecretBox()
	if err != nil {
		return nil, err
	}
	repos := repository.NewFactory(db, box, redisClient).GetRepositories()

	repo := billing.NewRepository(db)
	registry := gateway.NewRegistry(repos.Setting, repo,
		gateway.WithSettingsTTL(env.GetEnvDuration("GATEWAY_SETTINGS_TTL", 30*time.Second)),
	)

	svcOpts := []billing.Option{
		billing.WithGateways(registry),
		billing.WithNormalizers(registry.Normalizers()...),
		billing.WithRetryExpiry(retryExpiry(repos.Setting)),
	}
	if opts.Dispatcher != nil {
		svcOpts = append(svcOpts, billing.WithDispatcher(opts.Dispatcher))
	}

	rt := &Runtime{DB: db, Redis: redisClient, Repos: repos, Gateways: registry}

	cfg, err := deadletter.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("dead-letter archive: %w", err)
	}
	if cfg.IsEnabled() {
		archive, err := deadletter.NewArchive(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("dead-letter archive: %w", err)
		}
		svcOpts = append(svcOpts, billing.WithDeadLetterSink(archive))
		rt.Archiving = true
		log.Infof("[DeadLetter] archiving to bucket %s", cfg.BucketName)
	}

	rt.Billing = billing.NewService(repo, svcOpts...)
	return rt, nil
}

// retryExpiry reads retry.expiry_hours; zero keeps the engine default.
func retryExpiry(settings repository.SettingRepository) time.Duration {
	raw, err := settings.GetValue(models.SettingRetryExpiryHours)
	if err != nil || raw == "" {
		return 0
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		log.Warnf("[Settings] ignoring invalid %s=%q", models.SettingRetryExpiryHours, raw)
		return 0
	}
	return time.Duration(hours) * time.Hour
}
