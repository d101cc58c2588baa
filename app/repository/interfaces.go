package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/secretbox"
)

// UserRepository defines the user lookups the API layer needs. Balances and
// plans are only changed through the billing engine.
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	SetAPIKeyHash(userID uint, hash string) error
	List(offset, limit int) ([]models.User, error)
}

// SettingRepository persists gateway configuration. Secret values are sealed
// at rest when a box is configured.
type SettingRepository interface {
	GetValue(key string) (string, error)
	SetValue(key, value string) error
	All() (map[string]string, error)
	Fingerprint() (string, error)
}

// QueueRepository inspects job queue keys in Redis.
type QueueRepository interface {
	Stats(ctx context.Context, keys QueueKeys) (*QueueStats, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User    UserRepository
	Setting SettingRepository
	Queue   QueueRepository
}

// NewRepositories creates a new instance of all repositories. box and
// redisClient may be nil.
func NewRepositories(db *gorm.DB, box *secretbox.Box, redisClient *redis.Client) *Repositories {
	return &Repositories{
		User:    NewUserRepository(db),
		Setting: NewSettingRepository(db, box),
		Queue:   NewQueueRepository(redisClient),
	}
}
