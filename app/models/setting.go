package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Setting represents a persisted configuration value. Secret values are
// stored sealed; see repository.SettingRepository.
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required,oneof=string secret boolean integer"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting keys for gateway configuration.
const (
	SettingRazorpayKeyID         = "razorpay.key_id"
	SettingRazorpayKeySecret     = "razorpay.key_secret"
	SettingRazorpayWebhookSecret = "razorpay.webhook_secret"
	SettingStripeAPIKey          = "stripe.api_key"
	SettingStripeWebhookSecret   = "stripe.webhook_secret"
	SettingRetryExpiryHours      = "retry.expiry_hours"
)

// getSettingType returns the type of a setting based on its key
func getSettingType(key string) string {
	switch key {
	case SettingRazorpayKeySecret, SettingRazorpayWebhookSecret, SettingStripeAPIKey, SettingStripeWebhookSecret:
		return "secret"
	case SettingRetryExpiryHours:
		return "integer"
	default:
		return "string"
	}
}

// NewSetting builds a setting with the type implied by its key.
func NewSetting(key, value string) *Setting {
	return &Setting{Key: key, Value: value, Type: getSettingType(key)}
}

// IsSecret reports whether the value must be sealed at rest.
func (s *Setting) IsSecret() bool {
	return s.Type == "secret"
}

// Validate validates the setting
func (s *Setting) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}
