package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
)

type memorySink struct {
	archived []string
	err      error
}

func (s *memorySink) Archive(ctx context.Context, rec *models.WebhookRetryRecord) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	key := "dead-letters/" + rec.Gateway + "/" + rec.ExternalEventID + ".json"
	s.archived = append(s.archived, key)
	return key, nil
}

func (f *fixture) capturePayload(t *testing.T, paymentID string) []byte {
	return encodePayload(t, testPayload{
		ID:        "evt_" + paymentID,
		Type:      "payment.captured",
		Kind:      EventPaymentCaptured,
		UserID:    f.user.ID,
		PackageID: "credits_500",
		PaymentID: paymentID,
		Amount:    19900,
		Currency:  "INR",
	})
}

func (f *fixture) retryRecord(t *testing.T) *models.WebhookRetryRecord {
	t.Helper()
	var rec models.WebhookRetryRecord
	require.NoError(t, f.db.First(&rec).Error)
	return &rec
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, time.Minute, BackoffFor(-1))
	assert.Equal(t, time.Minute, BackoffFor(0))
	assert.Equal(t, 5*time.Minute, BackoffFor(1))
	assert.Equal(t, 15*time.Minute, BackoffFor(2))
	assert.Equal(t, 30*time.Minute, BackoffFor(3))
	assert.Equal(t, 60*time.Minute, BackoffFor(4))
	assert.Equal(t, 60*time.Minute, BackoffFor(12))
}

func TestHandleWebhook_FailureStoresRetryRecord(t *testing.T) {
	f := newFixture(t)
	f.repo.failures = 1
	payload := f.capturePayload(t, "pay_retry")

	_, err := f.svc.HandleWebhook(context.Background(), testNormalizer{}, payload)
	require.ErrorIs(t, err, ErrProcessing)

	rec := f.retryRecord(t)
	assert.Equal(t, models.GatewayRazorpay, rec.Gateway)
	assert.Equal(t, "evt_pay_retry", rec.ExternalEventID)
	assert.Equal(t, "payment.captured", rec.EventType)
	assert.Equal(t, string(payload), rec.RawPayload)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.Contains(t, rec.LastError, "Deadlock")
	assert.True(t, rec.NextAttemptAt.Equal(testNow.Add(time.Minute)))
	assert.True(t, rec.ExpiresAt.Equal(testNow.Add(24*time.Hour)))
	assert.Equal(t, int64(0), f.reloadUser(t).Credits)

	exists, err := f.svc.RetryRecordExists(models.GatewayRazorpay, "evt_pay_retry")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHandleWebhook_RepeatedFailureKeepsOneRecord(t *testing.T) {
	f := newFixture(t)
	f.repo.failures = 2
	payload := f.capturePayload(t, "pay_retry")

	for i := 0; i < 2; i++ {
		_, err := f.svc.HandleWebhook(context.Background(), testNormalizer{}, payload)
		require.ErrorIs(t, err, ErrProcessing)
	}
	assert.Equal(t, int64(1), f.countRows(t, &models.WebhookRetryRecord{}))
}

func TestSweepRetries_SuccessDeletesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.failures = 1
	_, err := f.svc.HandleWebhook(ctx, testNormalizer{}, f.capturePayload(t, "pay_retry"))
	require.Error(t, err)

	// Not due yet.
	res, err := f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(2 * time.Minute)
	res, err = f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Succeeded: 1}, res)

	assert.Equal(t, int64(0), f.countRows(t, &models.WebhookRetryRecord{}))
	assert.Equal(t, int64(500), f.reloadUser(t).Credits)
	assert.Equal(t, int64(1), f.countRows(t, &models.PaymentTransaction{}))
}

func TestSweepRetries_FailureReschedulesWithBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.failures = 2
	_, err := f.svc.HandleWebhook(ctx, testNormalizer{}, f.capturePayload(t, "pay_retry"))
	require.Error(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Rescheduled: 1}, res)

	rec := f.retryRecord(t)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.True(t, rec.NextAttemptAt.Equal(f.clock.Now().Add(5*time.Minute)))

	f.clock.Advance(5 * time.Minute)
	res, err = f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Succeeded: 1}, res)
	assert.Equal(t, int64(500), f.reloadUser(t).Credits)
}

func TestSweepRetries_DuplicateReplayCountsAsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := f.capturePayload(t, "pay_retry")
	require.NoError(t, f.svc.EnqueueRetry(ctx, models.GatewayRazorpay, "payment.captured", "evt_pay_retry", payload, errors.New("timeout")))
	// The gateway redelivered and it went through before the sweep.
	_, err := f.svc.HandleWebhook(ctx, testNormalizer{}, payload)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Succeeded: 1}, res)
	assert.Equal(t, int64(500), f.reloadUser(t).Credits)
}

func TestSweepRetries_ExpiredRecordsAreDeadLettered(t *testing.T) {
	sink := &memorySink{}
	f := newFixture(t, WithDeadLetterSink(sink))
	ctx := context.Background()
	f.repo.failures = 1
	_, err := f.svc.HandleWebhook(ctx, testNormalizer{}, f.capturePayload(t, "pay_retry"))
	require.Error(t, err)

	f.clock.Advance(25 * time.Hour)
	res, err := f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{DeadLettered: 1}, res)

	rec := f.retryRecord(t)
	assert.True(t, rec.IsDeadLettered())
	assert.Equal(t, "dead-letters/razorpay/evt_pay_retry.json", rec.ArchiveKey)
	assert.Equal(t, int64(1), f.countAudit(t, ActionRetryDeadLettered))
	assert.Equal(t, int64(0), f.reloadUser(t).Credits)

	// Dead letters are no longer swept.
	res, err = f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	dead, err := f.svc.ListRetries(ctx, true, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestReplayRetry_RunsDeadLetterOnDemand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.failures = 1
	_, err := f.svc.HandleWebhook(ctx, testNormalizer{}, f.capturePayload(t, "pay_retry"))
	require.Error(t, err)
	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)

	rec := f.retryRecord(t)
	require.NoError(t, f.svc.ReplayRetry(ctx, rec.ID))
	assert.Equal(t, int64(0), f.countRows(t, &models.WebhookRetryRecord{}))
	assert.Equal(t, int64(500), f.reloadUser(t).Credits)

	assert.ErrorIs(t, f.svc.ReplayRetry(ctx, rec.ID), ErrNotFound)
}

func TestArchiveDeadLetters(t *testing.T) {
	sink := &memorySink{err: errors.New("bucket unavailable")}
	f := newFixture(t, WithDeadLetterSink(sink))
	ctx := context.Background()
	f.repo.failures = 1
	_, err := f.svc.HandleWebhook(ctx, testNormalizer{}, f.capturePayload(t, "pay_retry"))
	require.Error(t, err)

	// The archive failure does not block dead-lettering.
	f.clock.Advance(25 * time.Hour)
	res, err := f.svc.SweepRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Empty(t, f.retryRecord(t).ArchiveKey)

	sink.err = nil
	n, err := f.svc.ArchiveDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEmpty(t, f.retryRecord(t).ArchiveKey)

	n, err = f.svc.ArchiveDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestArchiveDeadLetters_RequiresSink(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ArchiveDeadLetters(context.Background(), 10)
	assert.Error(t, err)
}

func TestEnqueueRetry_ConfiguredExpiry(t *testing.T) {
	f := newFixture(t, WithRetryExpiry(6*time.Hour))

	require.NoError(t, f.svc.EnqueueRetry(context.Background(), models.GatewayStripe, "invoice.paid", "evt_exp", []byte(`{}`), errors.New("boom")))
	rec := f.retryRecord(t)
	assert.True(t, rec.ExpiresAt.Equal(testNow.Add(6*time.Hour)))
	assert.Equal(t, "boom", rec.LastError)
}
