package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/testdb"
)

func TestNew_WiresRuntime(t *testing.T) {
	t.Setenv("SETTINGS_ENCRYPTION_KEY", "")
	t.Setenv("S3_DEADLETTER_ENABLED", "false")
	t.Setenv("RAZORPAY_WEBHOOK_SECRET", "whsec")
	db := testdb.Open(t)

	rt, err := New(context.Background(), db, nil, Options{})
	require.NoError(t, err)
	require.NotNil(t, rt.Billing)
	assert.False(t, rt.Archiving)
	assert.Len(t, rt.Gateways.Normalizers(), 2)
	assert.Equal(t, "whsec", rt.Gateways.Config().RazorpayWebhookSecret)

	_, err = rt.Billing.ArchiveDeadLetters(context.Background(), 10)
	assert.Error(t, err, "no sink without S3 config")
}

func TestNew_RejectsBadEncryptionKey(t *testing.T) {
	t.Setenv("SETTINGS_ENCRYPTION_KEY", "short")
	_, err := New(context.Background(), testdb.Open(t), nil, Options{})
	assert.Error(t, err)
}

func TestRetryExpiry(t *testing.T) {
	settings := repository.NewSettingRepository(testdb.Open(t), nil)
	assert.Zero(t, retryExpiry(settings))

	require.NoError(t, settings.SetValue(models.SettingRetryExpiryHours, "6"))
	assert.Equal(t, 6*time.Hour, retryExpiry(settings))

	require.NoError(t, settings.SetValue(models.SettingRetryExpiryHours, "soon"))
	assert.Zero(t, retryExpiry(settings))
}
