package repository

import (
	"sync"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/internal/pkg/secretbox"
)

// Factory builds the repository set once per database handle.
type Factory struct {
	db          *gorm.DB
	box         *secretbox.Box
	redisClient *redis.Client
	repos       *Repositories
	once        sync.Once
}

// NewFactory takes the optional settings box and Redis client; both may be nil.
func NewFactory(db *gorm.DB, box *secretbox.Box, redisClient *redis.Client) *Factory {
	return &Factory{
		db:          db,
		box:         box,
		redisClient: redisClient,
	}
}

// GetRepositories builds the repositories on first use.
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db, f.box, f.redisClient)
	})
	return f.repos
}
