package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"nil", nil, DispositionAck},
		{"signature", fmt.Errorf("razorpay: %w", ErrSignature), DispositionReject},
		{"validation", validationErrorf("missing user"), DispositionAck},
		{"duplicate", ErrDuplicateEvent, DispositionAck},
		{"not found", notFoundErrorf("plan"), DispositionAck},
		{"processing", fmt.Errorf("%w: deadlock", ErrProcessing), DispositionRetry},
		{"gateway", ErrTransientGateway, DispositionRetry},
		{"unknown", errors.New("boom"), DispositionRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestEveryEventKindHasAHandler(t *testing.T) {
	f := newFixture(t)
	for _, kind := range EventKinds {
		evt := &Event{Gateway: models.GatewayRazorpay, Kind: kind, ExternalEventID: "evt_" + kind.String()}
		err := f.repo.Transaction(context.Background(), func(repo Repository) error {
			p := &processor{svc: f.svc, repo: repo, evt: evt, now: testNow}
			return p.dispatch()
		})
		if err != nil {
			assert.NotContains(t, err.Error(), "no handler", kind.String())
		}
	}

	err := f.repo.Transaction(context.Background(), func(repo Repository) error {
		p := &processor{svc: f.svc, repo: repo, evt: &Event{Gateway: models.GatewayRazorpay, Kind: EventKind(99)}, now: testNow}
		return p.dispatch()
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProcess_UnhandledIsAuditedAndAcknowledged(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Process(context.Background(), &Event{
		Gateway:         models.GatewayRazorpay,
		Kind:            EventUnhandled,
		RawType:         "order.paid",
		ExternalEventID: "evt_order_paid",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionEventUnhandled, out.Action)
	assert.Equal(t, int64(1), f.countAudit(t, ActionEventUnhandled))
}

func TestProcess_CapturePurchasesCredits(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Process(context.Background(), f.captureEvent("pay_1"))
	require.NoError(t, err)
	assert.Equal(t, ActionCreditsPurchased, out.Action)
	assert.NotZero(t, out.TransactionID)
	assert.False(t, out.Duplicate)

	assert.Equal(t, int64(500), f.reloadUser(t).Credits)

	var txn models.PaymentTransaction
	require.NoError(t, f.db.First(&txn, out.TransactionID).Error)
	assert.Equal(t, "pay_1", txn.GatewayTransactionID)
	assert.Equal(t, models.TransactionTypeCredits, txn.Type)
	assert.Equal(t, "INR", txn.Currency)
	assert.Equal(t, int64(19900), txn.Amount)
	assert.Equal(t, int64(500), txn.AwardedCredits())

	assert.Equal(t, []string{
		fmt.Sprintf("purchase:%d", f.user.ID),
		fmt.Sprintf("invoice:%d", txn.ID),
	}, f.dispatcher.Calls())
}

func TestProcess_DuplicateCaptureAwardsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		out, err := f.svc.Process(ctx, f.captureEvent("pay_dup"))
		require.NoError(t, err)
		assert.Equal(t, i > 0, out.Duplicate, "delivery %d", i)
	}

	assert.Equal(t, int64(500), f.reloadUser(t).Credits)
	assert.Equal(t, int64(1), f.countRows(t, &models.PaymentTransaction{}))
	assert.Equal(t, int64(1), f.countAudit(t, ActionCreditsPurchased))
	assert.Equal(t, int64(4), f.countAudit(t, ActionDuplicateIgnored))
	// Side effects run for the first delivery only.
	assert.Len(t, f.dispatcher.Calls(), 2)
}

func TestProcess_ConcurrentDuplicatesAwardOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const deliveries = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		duplicates int
		errs       []error
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Process(ctx, f.captureEvent("pay_race"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if out.Duplicate {
				duplicates++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, deliveries-1, duplicates)
	assert.Equal(t, int64(500), f.reloadUser(t).Credits)
	assert.Equal(t, int64(1), f.countRows(t, &models.PaymentTransaction{}))
}

func TestProcess_CaptureOfSubscriptionInvoiceIsSkipped(t *testing.T) {
	f := newFixture(t)
	evt := f.captureEvent("pay_inv")
	evt.InvoiceID = "inv_1"

	out, err := f.svc.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, ActionCaptureSkipped, out.Action)
	assert.Equal(t, int64(0), f.reloadUser(t).Credits)
	assert.Equal(t, int64(0), f.countRows(t, &models.PaymentTransaction{}))
}

func TestProcess_ValidationFailureIsAuditedNotRetried(t *testing.T) {
	f := newFixture(t)
	evt := f.captureEvent("pay_nometa")
	evt.Metadata = Metadata{}

	_, err := f.svc.Process(context.Background(), evt)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, DispositionAck, Classify(err))
	assert.Equal(t, int64(1), f.countAudit(t, ActionValidationFailed))
	assert.Equal(t, int64(0), f.countRows(t, &models.PaymentTransaction{}))
}

func TestProcess_UnknownPackageIsNotFound(t *testing.T) {
	f := newFixture(t)
	evt := f.captureEvent("pay_pkg")
	evt.Metadata.PackageID = "credits_9000"

	_, err := f.svc.Process(context.Background(), evt)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), f.countAudit(t, ActionReferenceNotFound))
}

func TestProcess_UnknownUserIsNotFound(t *testing.T) {
	f := newFixture(t)
	evt := f.captureEvent("pay_ghost")
	evt.Metadata.UserID = 4242

	_, err := f.svc.Process(context.Background(), evt)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProcess_ProcessingFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.repo.failures = 1

	_, err := f.svc.Process(context.Background(), f.captureEvent("pay_flaky"))
	require.ErrorIs(t, err, ErrProcessing)
	assert.Equal(t, DispositionRetry, Classify(err))

	assert.Equal(t, int64(0), f.reloadUser(t).Credits)
	assert.Equal(t, int64(0), f.countRows(t, &models.PaymentTransaction{}))
	assert.Equal(t, int64(1), f.countAudit(t, ActionProcessingFailed))
	assert.Empty(t, f.dispatcher.Calls())
}

func TestProcess_PaymentFailedNotifiesUser(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Process(context.Background(), &Event{
		Gateway:         models.GatewayRazorpay,
		Kind:            EventPaymentFailed,
		RawType:         "payment.failed",
		ExternalEventID: "evt_failed",
		Metadata:        Metadata{UserID: f.user.ID},
		PaymentID:       "pay_failed",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionPaymentFailed, out.Action)
	assert.Equal(t, []string{fmt.Sprintf("payment_failed:%d", f.user.ID)}, f.dispatcher.Calls())
}

func TestHandleWebhook_ValidationErrorIsNotQueued(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleWebhook(context.Background(), testNormalizer{}, []byte("not json"))
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int64(0), f.countRows(t, &models.WebhookRetryRecord{}))
	assert.Equal(t, int64(1), f.countAudit(t, ActionValidationFailed))
}

func TestListAudit_FiltersByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Process(ctx, f.captureEvent("pay_a"))
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, &Event{Gateway: models.GatewayRazorpay, Kind: EventUnhandled, ExternalEventID: "evt_x"})
	require.NoError(t, err)

	entries, err := f.svc.ListAudit(ctx, AuditFilter{UserID: f.user.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionCreditsPurchased, entries[0].Action)
	assert.Contains(t, entries[0].Metadata, `"payment_id":"pay_a"`)
}

func TestExternalEventIDIsStable(t *testing.T) {
	a := ExternalEventID([]byte(`{"a":1}`))
	assert.Equal(t, a, ExternalEventID([]byte(`{"a":1}`)))
	assert.NotEqual(t, a, ExternalEventID([]byte(`{"a":2}`)))
	assert.Contains(t, a, "hash:")
}
