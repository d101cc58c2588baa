// Package testdb opens throwaway SQLite databases with the service schema.
package testdb

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// Open returns a migrated database in a temp file that is removed with t.
// Transactions take the write lock on BEGIN, which stands in for MySQL row locks.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "payrecon.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// CreateUser inserts an active user with the given balance.
func CreateUser(t testing.TB, db *gorm.DB, email string, credits int64) *models.User {
	t.Helper()

	u := &models.User{
		Name:     "Test User",
		Email:    email,
		Role:     models.ROLE_USER,
		Status:   models.STATUS_ACTIVE,
		Credits:  credits,
		PlanType: models.PlanFree,
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}
