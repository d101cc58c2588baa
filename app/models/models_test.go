package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionSetGatewaySubscriptionID(t *testing.T) {
	sub := &Subscription{}

	sub.SetGatewaySubscriptionID(GatewayRazorpay, "sub_rzp")
	gw, id := sub.GatewaySubscriptionID()
	assert.Equal(t, GatewayRazorpay, gw)
	assert.Equal(t, "sub_rzp", id)
	assert.Nil(t, sub.StripeSubscriptionID)

	sub.SetGatewaySubscriptionID(GatewayStripe, "sub_stripe")
	gw, id = sub.GatewaySubscriptionID()
	assert.Equal(t, GatewayStripe, gw)
	assert.Equal(t, "sub_stripe", id)
	assert.Nil(t, sub.RazorpaySubscriptionID, "switching gateways must clear the previous id")
}

func TestSettingTypeFromKey(t *testing.T) {
	assert.True(t, NewSetting(SettingRazorpayWebhookSecret, "x").IsSecret())
	assert.True(t, NewSetting(SettingStripeAPIKey, "x").IsSecret())
	assert.False(t, NewSetting(SettingRazorpayKeyID, "x").IsSecret())
	assert.Equal(t, "integer", NewSetting(SettingRetryExpiryHours, "24").Type)
}

func TestHashAPIKeyTrimsWhitespace(t *testing.T) {
	assert.Equal(t, HashAPIKey("abc"), HashAPIKey("  abc\n"))
	assert.Len(t, HashAPIKey("abc"), 64)
}

func TestIssueAPIKey(t *testing.T) {
	u := &User{}
	raw, err := u.IssueAPIKey()
	assert.NoError(t, err)
	assert.Contains(t, raw, apiKeyPrefix)
	assert.Equal(t, HashAPIKey(raw), u.APIKeyHash)
}

func TestTransactionAwardedCredits(t *testing.T) {
	tx := &PaymentTransaction{}
	assert.Equal(t, int64(0), tx.AwardedCredits())
	n := int64(500)
	tx.CreditsAwarded = &n
	assert.Equal(t, int64(500), tx.AwardedCredits())
}
