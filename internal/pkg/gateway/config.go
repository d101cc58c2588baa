// Package gateway adapts Razorpay and Stripe to the billing engine: webhook
// verification, event normalization and the outbound API calls.
package gateway

import (
	"strings"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

const (
	RazorpayAPIBase = "https://api.razorpay.com/v1"

	HeaderRazorpaySignature = "X-Razorpay-Signature"
	HeaderStripeSignature   = "Stripe-Signature"
)

// Config holds resolved credentials for every gateway.
type Config struct {
	RazorpayBaseURL       string
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	StripeAPIKey          string
	StripeWebhookSecret   string
}

// RazorpayEnabled reports whether outbound Razorpay calls can be made.
func (c Config) RazorpayEnabled() bool {
	return c.RazorpayKeyID != "" && c.RazorpayKeySecret != ""
}

// StripeEnabled reports whether outbound Stripe calls can be made.
func (c Config) StripeEnabled() bool {
	return c.StripeAPIKey != ""
}

// WebhookSecret returns the signing secret for gateway.
func (c Config) WebhookSecret(gateway string) string {
	switch gateway {
	case models.GatewayRazorpay:
		return c.RazorpayWebhookSecret
	case models.GatewayStripe:
		return c.StripeWebhookSecret
	default:
		return ""
	}
}

// ResolveConfig takes every value from persisted settings first and falls
// back to the environment.
func ResolveConfig(settings map[string]string) Config {
	pick := func(settingKey, envKey string) string {
		if v := strings.TrimSpace(settings[settingKey]); v != "" {
			return v
		}
		return strings.TrimSpace(env.GetEnv(envKey, ""))
	}
	return Config{
		RazorpayBaseURL:       env.GetEnv("RAZORPAY_API_BASE", RazorpayAPIBase),
		RazorpayKeyID:         pick(models.SettingRazorpayKeyID, "RAZORPAY_KEY_ID"),
		RazorpayKeySecret:     pick(models.SettingRazorpayKeySecret, "RAZORPAY_KEY_SECRET"),
		RazorpayWebhookSecret: pick(models.SettingRazorpayWebhookSecret, "RAZORPAY_WEBHOOK_SECRET"),
		StripeAPIKey:          pick(models.SettingStripeAPIKey, "STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   pick(models.SettingStripeWebhookSecret, "STRIPE_WEBHOOK_SECRET"),
	}
}
