package deadletter

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

// Config holds the S3 dead-letter archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads the archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("S3_DEADLETTER_PREFIX", "dead-letters"),
		Enabled:         env.GetEnv("S3_DEADLETTER_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when dead-letter archival is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when dead-letter archival is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when dead-letter archival is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if archival is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey builds the key for one dead-lettered event.
// Format: <prefix>/<gateway>/YYYY/MM/<event id>.json
func (c *Config) ObjectKey(gateway, externalEventID string, at time.Time) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "dead-letters"
	}
	return fmt.Sprintf("%s/%s/%04d/%02d/%s.json", prefix, gateway, at.Year(), int(at.Month()), safeKey(externalEventID))
}

// safeKey keeps ids usable as object names; hash ids contain a colon.
func safeKey(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// GetAppEnv returns the current application environment
func GetAppEnv() string {
	return env.GetEnv("APP_ENV", "dev")
}
