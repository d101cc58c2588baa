package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

const (
	connectAttempts = 5
	connectBackoff  = 5 * time.Second
)

var DB *gorm.DB

// GetDB returns the handle opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// DSN builds the MySQL data source name. Timestamps are stored in UTC.
func DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

func gormLogLevel() logger.LogLevel {
	switch env.GetEnv("DB_LOG_LEVEL", "warn") {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// SetupDatabase opens the MySQL pool, retrying while the server starts up.
// The schema is owned by cmd/migrate; AutoMigrate only runs with APP_ENV=dev.
func SetupDatabase() {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                      DSN(),
			DefaultStringSize:        256,
			DisableDatetimePrecision: true,
			DontSupportRenameIndex:   true,
			DontSupportRenameColumn:  true,
		}), &gorm.Config{Logger: logger.Default.LogMode(gormLogLevel())})
		if err == nil {
			break
		}
		log.Warnf("[Database] connect attempt %d/%d failed: %v", attempt, connectAttempts, err)
		if attempt < connectAttempts {
			time.Sleep(connectBackoff)
		}
	}
	if err != nil {
		panic(fmt.Sprintf("database unavailable: %v", err))
	}

	sqlDB, err := DB.DB()
	if err != nil {
		panic(err)
	}
	sqlDB.SetMaxOpenConns(env.GetEnvInt("DB_MAX_OPEN_CONNS", 25))
	sqlDB.SetMaxIdleConns(env.GetEnvInt("DB_MAX_IDLE_CONNS", 10))
	sqlDB.SetConnMaxLifetime(env.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute))

	if env.IsDev() {
		if err := DB.AutoMigrate(models.All()...); err != nil {
			log.Errorf("[Database] automigrate failed: %v", err)
		}
	}
	log.Infof("[Database] connected to %s:%s", env.GetEnv("DB_HOST", "127.0.0.1"), env.GetEnv("DB_PORT", "3306"))
}
