package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/testdb"
)

type fakeInvoicePayments struct {
	intents map[string]string
	err     error
	calls   int
}

func (f *fakeInvoicePayments) InvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.intents[invoiceID], nil
}

func newReconcileService(t *testing.T) (*gorm.DB, *billing.Service, *models.User) {
	t.Helper()
	db := testdb.Open(t)
	require.NoError(t, db.Create(&models.Plan{
		ID:              "pro",
		Name:            "Pro",
		Amount:          49900,
		Currency:        "INR",
		BillingPeriod:   models.BillingPeriodMonthly,
		IncludedCredits: 1000,
		RazorpayPlanID:  "plan_rzp_pro",
		StripePriceID:   "price_pro",
		IsActive:        true,
	}).Error)
	user := testdb.CreateUser(t, db, "buyer@example.com", 0)
	return db, billing.NewServiceFromDB(db), user
}

func userCredits(t *testing.T, db *gorm.DB, id uint) int64 {
	t.Helper()
	var u models.User
	require.NoError(t, db.First(&u, id).Error)
	return u.Credits
}

func TestRazorpay_ActivationWithoutPaymentThenChargeThenDispute(t *testing.T) {
	db, svc, user := newReconcileService(t)
	n := RazorpayNormalizer{Plans: svc.Repository()}
	ctx := context.Background()

	activated := fmt.Sprintf(`{"event":"subscription.activated","created_at":1736935200,"payload":{
	  "subscription":{"entity":{"id":"sub_1","plan_id":"plan_rzp_pro","status":"active","notes":{"user_id":"%d"}}}}}`, user.ID)
	charged := fmt.Sprintf(`{"event":"subscription.charged","created_at":1736935210,"payload":{
	  "subscription":{"entity":{"id":"sub_1","plan_id":"plan_rzp_pro","status":"active","notes":{"user_id":"%d"}}},
	  "payment":{"entity":{"id":"pay_1","order_id":"order_1","amount":49900,"currency":"INR","notes":[]}}}}`, user.ID)
	dispute := `{"event":"payment.dispute.created","created_at":1736935300,"payload":{
	  "payment":{"entity":{"id":"pay_1","amount":49900,"currency":"INR"}},
	  "dispute":{"entity":{"id":"disp_1","payment_id":"pay_1","amount":49900,"currency":"INR"}}}}`

	_, err := svc.HandleWebhook(ctx, n, []byte(activated))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), userCredits(t, db, user.ID))

	out, err := svc.HandleWebhook(ctx, n, []byte(charged))
	require.NoError(t, err)
	assert.Equal(t, billing.ActionActivationSettled, out.Action)

	var txns []models.PaymentTransaction
	require.NoError(t, db.Find(&txns).Error)
	require.Len(t, txns, 1)
	assert.Equal(t, "pay_1", txns[0].GatewayTransactionID)
	assert.Equal(t, int64(1000), txns[0].AwardedCredits())

	_, err = svc.HandleWebhook(ctx, n, []byte(dispute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), userCredits(t, db, user.ID))

	var refund models.Refund
	require.NoError(t, db.First(&refund).Error)
	assert.Equal(t, txns[0].ID, refund.TransactionID)
	assert.Equal(t, int64(1000), *refund.CreditsReversed)
}

func TestStripe_InvoiceWithoutIntentThenDispute(t *testing.T) {
	db, svc, user := newReconcileService(t)
	invoices := &fakeInvoicePayments{intents: map[string]string{"in_basil": "pi_basil"}}
	n := StripeNormalizer{Plans: svc.Repository(), Invoices: invoices}
	ctx := context.Background()

	// Invoices on current API versions name no payment_intent.
	paid := fmt.Sprintf(`{"id":"evt_paid","type":"invoice.paid","created":1736935200,"data":{"object":{
	  "id":"in_basil","billing_reason":"subscription_create","amount_paid":49900,"currency":"inr",
	  "parent":{"subscription_details":{"subscription":"sub_s1","metadata":{"user_id":"%d"}}},
	  "lines":{"data":[{"pricing":{"price_details":{"price":"price_pro"}}}]}}}}`, user.ID)
	dispute := `{"id":"evt_dp","type":"charge.dispute.created","created":1736935300,"data":{"object":{
	  "id":"dp_1","charge":"ch_1","payment_intent":"pi_basil","amount":49900,"currency":"inr"}}}`

	_, err := svc.HandleWebhook(ctx, n, []byte(paid))
	require.NoError(t, err)
	assert.Equal(t, 1, invoices.calls)

	txn, err := svc.Repository().FindTransaction(models.GatewayStripe, "pi_basil")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), txn.AwardedCredits())

	_, err = svc.HandleWebhook(ctx, n, []byte(dispute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), userCredits(t, db, user.ID))

	var u models.User
	require.NoError(t, db.First(&u, user.ID).Error)
	assert.Equal(t, models.STATUS_INACTIVE, u.Status)
}

func TestStripe_RefundFindsInvoiceKeyedTransaction(t *testing.T) {
	db, svc, user := newReconcileService(t)
	n := StripeNormalizer{Plans: svc.Repository()}
	ctx := context.Background()

	// Without an invoice lookup the transaction stays keyed by the invoice.
	paid := fmt.Sprintf(`{"id":"evt_paid","type":"invoice.paid","data":{"object":{
	  "id":"in_old","billing_reason":"subscription_create","amount_paid":49900,"currency":"inr",
	  "subscription":"sub_s2","subscription_details":{"metadata":{"user_id":"%d","plan_id":"pro"}}}}}`, user.ID)
	refunded := `{"id":"evt_rf","type":"charge.refunded","data":{"object":{
	  "id":"ch_2","payment_intent":"pi_unknown","invoice":"in_old","amount_refunded":49900,"currency":"inr",
	  "refunds":{"data":[{"id":"re_2"}]}}}}`

	_, err := svc.HandleWebhook(ctx, n, []byte(paid))
	require.NoError(t, err)
	_, err = svc.HandleWebhook(ctx, n, []byte(refunded))
	require.NoError(t, err)

	assert.Equal(t, int64(0), userCredits(t, db, user.ID))
	txn, err := svc.Repository().FindTransaction(models.GatewayStripe, "in_old")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusRefunded, txn.Status)
}
