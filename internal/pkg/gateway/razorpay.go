package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
)

// RazorpayPayment is the payment entity of the Razorpay API.
type RazorpayPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	InvoiceID        string `json:"invoice_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Notes            Notes  `json:"notes"`
	ErrorDescription string `json:"error_description"`
	CreatedAt        int64  `json:"created_at"`
}

// RazorpaySubscription is the subscription entity of the Razorpay API.
type RazorpaySubscription struct {
	ID       string `json:"id"`
	PlanID   string `json:"plan_id"`
	Status   string `json:"status"`
	ShortURL string `json:"short_url"`
	Notes    Notes  `json:"notes"`
}

// RazorpayOrder is the order entity of the Razorpay API.
type RazorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
	Notes    Notes  `json:"notes"`
}

type razorpayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type razorpayDispute struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type razorpayAPIError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// RazorpayClient calls the Razorpay REST API with basic auth.
type RazorpayClient struct {
	http      *resty.Client
	keyID     string
	keySecret string
}

func NewRazorpayClient(baseURL, keyID, keySecret string) *RazorpayClient {
	if baseURL == "" {
		baseURL = RazorpayAPIBase
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20*time.Second).
		SetBasicAuth(keyID, keySecret).
		SetHeader("Content-Type", "application/json")
	return &RazorpayClient{http: c, keyID: keyID, keySecret: keySecret}
}

// KeyID is the public key the checkout widget needs.
func (c *RazorpayClient) KeyID() string {
	return c.keyID
}

func (c *RazorpayClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var apiErr razorpayAPIError
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("razorpay %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if apiErr.Error.Description != "" {
			return fmt.Errorf("razorpay %s %s: %s (%s)", method, path, apiErr.Error.Description, apiErr.Error.Code)
		}
		return fmt.Errorf("razorpay %s %s: %s", method, path, resp.Status())
	}
	return nil
}

// CreateSubscription starts a subscription on a Razorpay plan. The checkout
// completes it on the client.
func (c *RazorpayClient) CreateSubscription(ctx context.Context, planRef string, totalCount int, notes map[string]string) (*RazorpaySubscription, error) {
	var sub RazorpaySubscription
	err := c.do(ctx, resty.MethodPost, "/subscriptions", map[string]interface{}{
		"plan_id":         planRef,
		"total_count":     totalCount,
		"customer_notify": 1,
		"notes":           notes,
	}, &sub)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateOrder creates an order for a one-off payment.
func (c *RazorpayClient) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*RazorpayOrder, error) {
	var order RazorpayOrder
	err := c.do(ctx, resty.MethodPost, "/orders", map[string]interface{}{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
		"notes":    notes,
	}, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FetchPayment loads a payment by id.
func (c *RazorpayClient) FetchPayment(ctx context.Context, paymentID string) (*RazorpayPayment, error) {
	var p RazorpayPayment
	if err := c.do(ctx, resty.MethodGet, "/payments/"+paymentID, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FetchSubscription loads a subscription by id.
func (c *RazorpayClient) FetchSubscription(ctx context.Context, subscriptionID string) (*RazorpaySubscription, error) {
	var s RazorpaySubscription
	if err := c.do(ctx, resty.MethodGet, "/subscriptions/"+subscriptionID, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Refund refunds amount (0 means in full) of a captured payment and returns the refund id.
func (c *RazorpayClient) Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (string, error) {
	body := map[string]interface{}{"notes": notes}
	if amount > 0 {
		body["amount"] = amount
	}
	var r razorpayRefund
	if err := c.do(ctx, resty.MethodPost, "/payments/"+paymentID+"/refund", body, &r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// CancelSubscription cancels now or at the end of the current cycle.
func (c *RazorpayClient) CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) error {
	flag := 0
	if atCycleEnd {
		flag = 1
	}
	return c.do(ctx, resty.MethodPost, "/subscriptions/"+subscriptionID+"/cancel",
		map[string]interface{}{"cancel_at_cycle_end": flag}, nil)
}

// VerifyOrderPayment checks the checkout signature of an order payment.
func (c *RazorpayClient) VerifyOrderPayment(orderID, paymentID, signature string) bool {
	return billing.VerifyHMACSHA256([]byte(orderID+"|"+paymentID), signature, c.keySecret)
}

// VerifySubscriptionPayment checks the checkout signature of a subscription payment.
func (c *RazorpayClient) VerifySubscriptionPayment(subscriptionID, paymentID, signature string) bool {
	return billing.VerifyHMACSHA256([]byte(paymentID+"|"+subscriptionID), signature, c.keySecret)
}

// VerifyRazorpayWebhook checks X-Razorpay-Signature over the raw body.
func VerifyRazorpayWebhook(payload []byte, signature, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: razorpay webhook secret not configured", billing.ErrSignature)
	}
	if !billing.VerifyHMACSHA256(payload, signature, secret) {
		return fmt.Errorf("%w: razorpay", billing.ErrSignature)
	}
	return nil
}

type razorpayEnvelope struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity RazorpayPayment `json:"entity"`
		} `json:"payment"`
		Subscription *struct {
			Entity RazorpaySubscription `json:"entity"`
		} `json:"subscription"`
		Refund *struct {
			Entity razorpayRefund `json:"entity"`
		} `json:"refund"`
		Dispute *struct {
			Entity razorpayDispute `json:"entity"`
		} `json:"dispute"`
	} `json:"payload"`
}

var razorpaySubscriptionKinds = map[string]billing.EventKind{
	"subscription.authenticated": billing.EventSubscriptionAuthenticated,
	"subscription.activated":     billing.EventSubscriptionActivated,
	"subscription.charged":       billing.EventSubscriptionCharged,
	"subscription.pending":       billing.EventSubscriptionPending,
	"subscription.halted":        billing.EventSubscriptionHalted,
	"subscription.cancelled":     billing.EventSubscriptionCancelled,
	"subscription.completed":     billing.EventSubscriptionCompleted,
}

// RazorpayNormalizer maps Razorpay webhook payloads to billing events.
type RazorpayNormalizer struct {
	Plans PlanResolver
}

func (RazorpayNormalizer) Name() string { return models.GatewayRazorpay }

func (n RazorpayNormalizer) Normalize(payload []byte) (*billing.Event, error) {
	var msg razorpayEnvelope
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: razorpay payload: %v", billing.ErrValidation, err)
	}
	evt := &billing.Event{
		Gateway: models.GatewayRazorpay,
		RawType: msg.Event,
		Payload: payload,
	}
	if msg.CreatedAt > 0 {
		evt.OccurredAt = time.Unix(msg.CreatedAt, 0).UTC()
	}

	var payment *RazorpayPayment
	if msg.Payload.Payment != nil {
		payment = &msg.Payload.Payment.Entity
	}

	if kind, ok := razorpaySubscriptionKinds[msg.Event]; ok {
		if msg.Payload.Subscription == nil {
			return nil, fmt.Errorf("%w: %s without subscription entity", billing.ErrValidation, msg.Event)
		}
		sub := msg.Payload.Subscription.Entity
		notes := sub.Notes
		if payment != nil {
			notes = notes.merge(payment.Notes)
			n.applyPayment(evt, payment)
		}
		evt.Kind = kind
		evt.SubscriptionID = sub.ID
		evt.Metadata = notes.Metadata()
		resolvePlan(n.Plans, models.GatewayRazorpay, sub.PlanID, &evt.Metadata)
		return evt, nil
	}

	switch msg.Event {
	case "payment.captured", "payment.failed":
		if payment == nil {
			return nil, fmt.Errorf("%w: %s without payment entity", billing.ErrValidation, msg.Event)
		}
		evt.Kind = billing.EventPaymentCaptured
		if msg.Event == "payment.failed" {
			evt.Kind = billing.EventPaymentFailed
		}
		n.applyPayment(evt, payment)
		evt.Metadata = payment.Notes.Metadata()
	case "refund.created":
		if msg.Payload.Refund == nil {
			return nil, fmt.Errorf("%w: refund.created without refund entity", billing.ErrValidation)
		}
		r := msg.Payload.Refund.Entity
		evt.Kind = billing.EventRefundCreated
		evt.RefundID = r.ID
		evt.PaymentID = r.PaymentID
		evt.Amount = r.Amount
		evt.Currency = billing.NormalizeCurrency(r.Currency)
		if payment != nil {
			evt.Metadata = payment.Notes.Metadata()
		}
	case "payment.dispute.created":
		if msg.Payload.Dispute == nil {
			return nil, fmt.Errorf("%w: payment.dispute.created without dispute entity", billing.ErrValidation)
		}
		d := msg.Payload.Dispute.Entity
		evt.Kind = billing.EventDisputeOpened
		evt.DisputeID = d.ID
		evt.PaymentID = d.PaymentID
		evt.Amount = d.Amount
		evt.Currency = billing.NormalizeCurrency(d.Currency)
	default:
		evt.Kind = billing.EventUnhandled
	}
	return evt, nil
}

func (RazorpayNormalizer) applyPayment(evt *billing.Event, p *RazorpayPayment) {
	evt.PaymentID = p.ID
	evt.OrderID = p.OrderID
	evt.InvoiceID = p.InvoiceID
	evt.Amount = p.Amount
	evt.Currency = billing.NormalizeCurrency(p.Currency)
}

// PaymentEvent builds the capture event for a payment confirmed by the
// checkout. It carries the same idempotency key as the payment.captured webhook.
func (RazorpayNormalizer) PaymentEvent(p *RazorpayPayment) *billing.Event {
	return &billing.Event{
		Gateway:         models.GatewayRazorpay,
		Kind:            billing.EventPaymentCaptured,
		RawType:         "client.order_verified",
		ExternalEventID: "verify:" + p.ID,
		Metadata:        p.Notes.Metadata(),
		PaymentID:       p.ID,
		OrderID:         p.OrderID,
		InvoiceID:       p.InvoiceID,
		Amount:          p.Amount,
		Currency:        billing.NormalizeCurrency(p.Currency),
	}
}

// SubscriptionEvent builds the activation event for a subscription confirmed
// by the checkout.
func (n RazorpayNormalizer) SubscriptionEvent(sub *RazorpaySubscription, paymentID string) *billing.Event {
	evt := &billing.Event{
		Gateway:         models.GatewayRazorpay,
		Kind:            billing.EventSubscriptionActivated,
		RawType:         "client.subscription_verified",
		ExternalEventID: "verify:" + sub.ID + ":" + paymentID,
		Metadata:        sub.Notes.Metadata(),
		SubscriptionID:  sub.ID,
		PaymentID:       paymentID,
	}
	resolvePlan(n.Plans, models.GatewayRazorpay, sub.PlanID, &evt.Metadata)
	return evt
}
