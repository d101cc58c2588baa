package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
)

type fakePlans map[string]*models.Plan

func (f fakePlans) FindPlanByGatewayRef(gateway, ref string) (*models.Plan, error) {
	if p, ok := f[gateway+":"+ref]; ok {
		return p, nil
	}
	return nil, errors.New("record not found")
}

var testPlans = fakePlans{
	"razorpay:plan_rzp_pro": {ID: "pro", BillingPeriod: "monthly"},
	"stripe:price_pro":      {ID: "pro", BillingPeriod: "monthly"},
}

const subscriptionCharged = `{
  "entity": "event",
  "event": "subscription.charged",
  "created_at": 1736935200,
  "payload": {
    "subscription": {"entity": {"id": "sub_1", "plan_id": "plan_rzp_pro", "status": "active", "notes": {"user_id": "42"}}},
    "payment": {"entity": {"id": "pay_1", "order_id": "order_1", "invoice_id": "inv_1", "amount": 49900, "currency": "inr", "notes": []}}
  }
}`

func TestRazorpayNormalizer_SubscriptionCharged(t *testing.T) {
	evt, err := RazorpayNormalizer{Plans: testPlans}.Normalize([]byte(subscriptionCharged))
	require.NoError(t, err)

	assert.Equal(t, billing.EventSubscriptionCharged, evt.Kind)
	assert.Equal(t, models.GatewayRazorpay, evt.Gateway)
	assert.Equal(t, "sub_1", evt.SubscriptionID)
	assert.Equal(t, "pay_1", evt.PaymentID)
	assert.Equal(t, "inv_1", evt.InvoiceID)
	assert.Equal(t, int64(49900), evt.Amount)
	assert.Equal(t, "INR", evt.Currency)
	assert.Equal(t, uint(42), evt.Metadata.UserID)
	assert.Equal(t, "pro", evt.Metadata.PlanID)
	assert.Equal(t, "monthly", evt.Metadata.BillingPeriod)
	assert.Equal(t, int64(1736935200), evt.OccurredAt.Unix())
	assert.Empty(t, evt.ExternalEventID)
}

func TestRazorpayNormalizer_Mapping(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		kind    billing.EventKind
		payment string
	}{
		{
			name:    "captured",
			payload: `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_2","amount":19900,"currency":"INR","notes":{"user_id":7,"package_id":"credits_500"}}}}}`,
			kind:    billing.EventPaymentCaptured,
			payment: "pay_2",
		},
		{
			name:    "failed",
			payload: `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_3","notes":{"user_id":"7"}}}}}`,
			kind:    billing.EventPaymentFailed,
			payment: "pay_3",
		},
		{
			name:    "refund",
			payload: `{"event":"refund.created","payload":{"refund":{"entity":{"id":"rfnd_1","payment_id":"pay_2","amount":100,"currency":"INR"}}}}`,
			kind:    billing.EventRefundCreated,
			payment: "pay_2",
		},
		{
			name:    "dispute",
			payload: `{"event":"payment.dispute.created","payload":{"dispute":{"entity":{"id":"disp_1","payment_id":"pay_2","amount":19900,"currency":"INR"}}}}`,
			kind:    billing.EventDisputeOpened,
			payment: "pay_2",
		},
		{
			name:    "halted",
			payload: `{"event":"subscription.halted","payload":{"subscription":{"entity":{"id":"sub_1","notes":{"user_id":"7"}}}}}`,
			kind:    billing.EventSubscriptionHalted,
		},
		{
			name:    "unknown",
			payload: `{"event":"order.paid","payload":{}}`,
			kind:    billing.EventUnhandled,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := RazorpayNormalizer{}.Normalize([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, evt.Kind)
			assert.Equal(t, tc.payment, evt.PaymentID)
		})
	}
}

func TestRazorpayNormalizer_Rejects(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"event":"subscription.activated","payload":{}}`,
		`{"event":"payment.captured","payload":{}}`,
		`{"event":"refund.created","payload":{}}`,
	} {
		_, err := RazorpayNormalizer{}.Normalize([]byte(payload))
		assert.ErrorIs(t, err, billing.ErrValidation, payload)
	}
}

func TestNotes_Decoding(t *testing.T) {
	var n Notes
	require.NoError(t, json.Unmarshal([]byte(`[]`), &n))
	assert.Empty(t, n)

	require.NoError(t, json.Unmarshal([]byte(`{"user_id": 12, "flag": true, "plan_id": "pro", "x": null}`), &n))
	assert.Equal(t, Notes{"user_id": "12", "flag": "true", "plan_id": "pro"}, n)

	m := Notes{"user_id": "abc", "billing_period": " Yearly "}.Metadata()
	assert.Zero(t, m.UserID)
	assert.Equal(t, "yearly", m.BillingPeriod)

	merged := Notes{"a": "1", "b": "2"}.merge(Notes{"b": "", "c": "3"})
	assert.Equal(t, Notes{"a": "1", "b": "2", "c": "3"}, merged)
}

func TestVerifyRazorpayWebhook(t *testing.T) {
	payload := []byte(subscriptionCharged)
	sig := billing.SignHMACSHA256(payload, "whsec")

	assert.NoError(t, VerifyRazorpayWebhook(payload, sig, "whsec"))
	assert.ErrorIs(t, VerifyRazorpayWebhook(payload, sig, "other"), billing.ErrSignature)
	assert.ErrorIs(t, VerifyRazorpayWebhook(append(payload, ' '), sig, "whsec"), billing.ErrSignature)
	assert.ErrorIs(t, VerifyRazorpayWebhook(payload, "", "whsec"), billing.ErrSignature)
	assert.ErrorIs(t, VerifyRazorpayWebhook(payload, sig, ""), billing.ErrSignature)
}

func TestRazorpayClient_CheckoutSignatures(t *testing.T) {
	c := NewRazorpayClient("", "rzp_key", "rzp_secret")

	sig := billing.SignHMACSHA256([]byte("order_1|pay_1"), "rzp_secret")
	assert.True(t, c.VerifyOrderPayment("order_1", "pay_1", sig))
	assert.False(t, c.VerifyOrderPayment("order_2", "pay_1", sig))

	subSig := billing.SignHMACSHA256([]byte("pay_1|sub_1"), "rzp_secret")
	assert.True(t, c.VerifySubscriptionPayment("sub_1", "pay_1", subSig))
	assert.False(t, c.VerifySubscriptionPayment("sub_1", "pay_1", sig))
}

func TestRazorpayClient_API(t *testing.T) {
	var calls []string
	var lastBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rzp_key" || pass != "rzp_secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		calls = append(calls, r.Method+" "+r.URL.Path)
		lastBody = nil
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &lastBody)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/orders":
			_, _ = w.Write([]byte(`{"id":"order_9","amount":19900,"currency":"INR","status":"created","notes":{"user_id":"7"}}`))
		case "/payments/pay_1/refund":
			_, _ = w.Write([]byte(`{"id":"rfnd_9","payment_id":"pay_1","amount":19900}`))
		case "/payments/pay_bad/refund":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The payment has been fully refunded already"}}`))
		case "/subscriptions/sub_1/cancel":
			_, _ = w.Write([]byte(`{"id":"sub_1","status":"active"}`))
		case "/payments/pay_1":
			_, _ = w.Write([]byte(`{"id":"pay_1","order_id":"order_9","status":"captured","amount":19900,"currency":"INR","notes":{"user_id":"7","package_id":"credits_500"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewRazorpayClient(srv.URL, "rzp_key", "rzp_secret")
	ctx := context.Background()

	order, err := c.CreateOrder(ctx, 19900, "INR", "rcpt_1", map[string]string{"user_id": "7"})
	require.NoError(t, err)
	assert.Equal(t, "order_9", order.ID)
	assert.Equal(t, "7", order.Notes["user_id"])
	assert.Equal(t, "rcpt_1", lastBody["receipt"])

	id, err := c.Refund(ctx, "pay_1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "rfnd_9", id)
	assert.NotContains(t, lastBody, "amount")

	_, err = c.Refund(ctx, "pay_bad", 100, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fully refunded")

	require.NoError(t, c.CancelSubscription(ctx, "sub_1", true))
	assert.Equal(t, float64(1), lastBody["cancel_at_cycle_end"])

	p, err := c.FetchPayment(ctx, "pay_1")
	require.NoError(t, err)
	evt := RazorpayNormalizer{}.PaymentEvent(p)
	assert.Equal(t, billing.EventPaymentCaptured, evt.Kind)
	assert.Equal(t, "pay_1", evt.PaymentID)
	assert.Equal(t, "credits_500", evt.Metadata.PackageID)
	assert.Equal(t, uint(7), evt.Metadata.UserID)

	assert.Equal(t, []string{
		"POST /orders",
		"POST /payments/pay_1/refund",
		"POST /payments/pay_bad/refund",
		"POST /subscriptions/sub_1/cancel",
		"GET /payments/pay_1",
	}, calls)
}
