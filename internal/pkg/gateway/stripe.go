package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
)

// VerifyStripeWebhook checks the Stripe-Signature header including its
// timestamp tolerance.
func VerifyStripeWebhook(payload []byte, signature, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: stripe webhook secret not configured", billing.ErrSignature)
	}
	_, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: stripe: %v", billing.ErrSignature, err)
	}
	return nil
}

// CheckoutSession is what the client needs to redirect to Stripe Checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeClient wraps the Stripe API client.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// CreateSubscriptionCheckout opens a subscription checkout for a price.
func (c *StripeClient) CreateSubscriptionCheckout(ctx context.Context, priceID, successURL, cancelURL string, metadata map[string]string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata},
		Metadata:         metadata,
	}
	params.Context = ctx
	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// CreatePaymentCheckout opens a one-off payment checkout for a credit package.
func (c *StripeClient) CreatePaymentCheckout(ctx context.Context, name string, amount int64, currency, successURL, cancelURL string, metadata map[string]string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(currency)),
					UnitAmount: stripe.Int64(amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata},
		Metadata:          metadata,
	}
	params.Context = ctx
	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// Refund refunds a payment intent (amount 0 means in full).
func (c *StripeClient) Refund(ctx context.Context, paymentIntentID string, amount int64, notes map[string]string) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	for k, v := range notes {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	r, err := c.api.Refunds.New(params)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// InvoicePaymentIntent returns the payment intent that paid invoiceID, or ""
// when the invoice was settled without one.
func (c *StripeClient) InvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error) {
	params := &stripe.InvoicePaymentListParams{
		Invoice: stripe.String(invoiceID),
		Status:  stripe.String("paid"),
	}
	params.Context = ctx
	it := c.api.InvoicePayments.List(params)
	for it.Next() {
		p := it.InvoicePayment()
		if p.Payment != nil && p.Payment.PaymentIntent != nil && p.Payment.PaymentIntent.ID != "" {
			return p.Payment.PaymentIntent.ID, nil
		}
	}
	return "", it.Err()
}

// CancelSubscription cancels now or flags the subscription to end with its period.
func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		_, err := c.api.Subscriptions.Update(subscriptionID, params)
		return err
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	_, err := c.api.Subscriptions.Cancel(subscriptionID, params)
	return err
}

// Only the fields the engine reads are decoded. Stripe moved several invoice
// fields between API versions, so both locations are accepted.
type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeRef string

// UnmarshalJSON accepts an id string or an expanded object with an id.
func (r *stripeRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = stripeRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	*r = stripeRef(obj.ID)
	return nil
}

type stripeInvoice struct {
	ID            string    `json:"id"`
	BillingReason string    `json:"billing_reason"`
	AmountPaid    int64     `json:"amount_paid"`
	AmountDue     int64     `json:"amount_due"`
	Currency      string    `json:"currency"`
	Subscription  stripeRef `json:"subscription"`
	PaymentIntent stripeRef `json:"payment_intent"`
	Metadata      Notes     `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription stripeRef `json:"subscription"`
			Metadata     Notes     `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata Notes `json:"metadata"`
	} `json:"subscription_details"`
	// Only present when the invoice payments were expanded.
	Payments *struct {
		Data []struct {
			Status  string `json:"status"`
			Payment struct {
				PaymentIntent stripeRef `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
	Lines struct {
		Data []struct {
			Pricing *struct {
				PriceDetails *struct {
					Price stripeRef `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv *stripeInvoice) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return string(inv.Subscription)
}

func (inv *stripeInvoice) notes() Notes {
	notes := inv.Metadata
	if inv.SubscriptionDetails != nil {
		notes = notes.merge(inv.SubscriptionDetails.Metadata)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		notes = notes.merge(inv.Parent.SubscriptionDetails.Metadata)
	}
	return notes
}

func (inv *stripeInvoice) priceID() string {
	for _, line := range inv.Lines.Data {
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
			return string(line.Pricing.PriceDetails.Price)
		}
		if line.Price != nil && line.Price.ID != "" {
			return line.Price.ID
		}
	}
	return ""
}

// paymentID prefers the payment intent so refunds and disputes, which only
// carry the intent, resolve to the same transaction. Newer API versions
// dropped payment_intent from the invoice; the intent then sits in payments.
func (inv *stripeInvoice) paymentID() string {
	if inv.PaymentIntent != "" {
		return string(inv.PaymentIntent)
	}
	if inv.Payments != nil {
		for _, p := range inv.Payments.Data {
			if p.Payment.PaymentIntent != "" && (p.Status == "" || p.Status == "paid") {
				return string(p.Payment.PaymentIntent)
			}
		}
	}
	return inv.ID
}

type stripeSubscription struct {
	ID       string `json:"id"`
	Metadata Notes  `json:"metadata"`
}

type stripeCheckoutSession struct {
	ID            string    `json:"id"`
	Mode          string    `json:"mode"`
	PaymentIntent stripeRef `json:"payment_intent"`
	AmountTotal   int64     `json:"amount_total"`
	Currency      string    `json:"currency"`
	Metadata      Notes     `json:"metadata"`
}

type stripePaymentIntent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Metadata Notes  `json:"metadata"`
	Invoice  string `json:"invoice"`
}

type stripeCharge struct {
	ID             string    `json:"id"`
	PaymentIntent  stripeRef `json:"payment_intent"`
	Invoice        stripeRef `json:"invoice"`
	AmountRefunded int64     `json:"amount_refunded"`
	Currency       string    `json:"currency"`
	Metadata       Notes     `json:"metadata"`
	Refunds        *struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"refunds"`
}

type stripeDispute struct {
	ID            string    `json:"id"`
	Charge        stripeRef `json:"charge"`
	PaymentIntent stripeRef `json:"payment_intent"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
}

const invoiceLookupTimeout = 10 * time.Second

// InvoicePayments finds the payment intent behind an invoice. Registry
// implements it with the Stripe client.
type InvoicePayments interface {
	InvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error)
}

// StripeNormalizer maps Stripe webhook events to billing events. Invoices is
// optional; without it an invoice that names no payment intent is keyed by
// its own id.
type StripeNormalizer struct {
	Plans    PlanResolver
	Invoices InvoicePayments
}

func (StripeNormalizer) Name() string { return models.GatewayStripe }

func (n StripeNormalizer) Normalize(payload []byte) (*billing.Event, error) {
	var msg stripeEnvelope
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: stripe payload: %v", billing.ErrValidation, err)
	}
	evt := &billing.Event{
		Gateway:         models.GatewayStripe,
		RawType:         msg.Type,
		ExternalEventID: msg.ID,
		Payload:         payload,
	}
	if msg.Created > 0 {
		evt.OccurredAt = time.Unix(msg.Created, 0).UTC()
	}

	decode := func(v interface{}) error {
		if err := json.Unmarshal(msg.Data.Object, v); err != nil {
			return fmt.Errorf("%w: stripe %s object: %v", billing.ErrValidation, msg.Type, err)
		}
		return nil
	}

	switch stripe.EventType(msg.Type) {
	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentFailed:
		var inv stripeInvoice
		if err := decode(&inv); err != nil {
			return nil, err
		}
		evt.SubscriptionID = inv.subscriptionID()
		evt.InvoiceID = inv.ID
		evt.PaymentID = inv.paymentID()
		if evt.PaymentID == inv.ID && msg.Type == string(stripe.EventTypeInvoicePaid) && inv.AmountPaid > 0 {
			pi, err := n.invoicePaymentIntent(inv.ID)
			if err != nil {
				return nil, err
			}
			if pi != "" {
				evt.PaymentID = pi
			}
		}
		evt.Amount = inv.AmountPaid
		evt.Currency = billing.NormalizeCurrency(inv.Currency)
		evt.Metadata = inv.notes().Metadata()
		resolvePlan(n.Plans, models.GatewayStripe, inv.priceID(), &evt.Metadata)
		switch {
		case evt.SubscriptionID == "":
			evt.Kind = billing.EventUnhandled
		case msg.Type == string(stripe.EventTypeInvoicePaymentFailed):
			evt.Kind = billing.EventSubscriptionPending
			evt.Amount = inv.AmountDue
		case inv.BillingReason == "subscription_create":
			evt.Kind = billing.EventSubscriptionActivated
		default:
			evt.Kind = billing.EventSubscriptionCharged
		}
	case stripe.EventTypeCustomerSubscriptionPaused, stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripeSubscription
		if err := decode(&sub); err != nil {
			return nil, err
		}
		evt.Kind = billing.EventSubscriptionHalted
		if msg.Type == string(stripe.EventTypeCustomerSubscriptionDeleted) {
			evt.Kind = billing.EventSubscriptionCancelled
		}
		evt.SubscriptionID = sub.ID
		evt.Metadata = sub.Metadata.Metadata()
	case stripe.EventTypeCheckoutSessionCompleted:
		var s stripeCheckoutSession
		if err := decode(&s); err != nil {
			return nil, err
		}
		if s.Mode != string(stripe.CheckoutSessionModePayment) {
			evt.Kind = billing.EventUnhandled
			break
		}
		evt.Kind = billing.EventPaymentCaptured
		evt.PaymentID = string(s.PaymentIntent)
		evt.OrderID = s.ID
		evt.Amount = s.AmountTotal
		evt.Currency = billing.NormalizeCurrency(s.Currency)
		evt.Metadata = s.Metadata.Metadata()
	case stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripePaymentIntent
		if err := decode(&pi); err != nil {
			return nil, err
		}
		evt.Kind = billing.EventPaymentFailed
		evt.PaymentID = pi.ID
		evt.InvoiceID = pi.Invoice
		evt.Amount = pi.Amount
		evt.Currency = billing.NormalizeCurrency(pi.Currency)
		evt.Metadata = pi.Metadata.Metadata()
	case stripe.EventTypeChargeRefunded:
		var ch stripeCharge
		if err := decode(&ch); err != nil {
			return nil, err
		}
		evt.Kind = billing.EventRefundCreated
		evt.PaymentID = string(ch.PaymentIntent)
		if evt.PaymentID == "" {
			evt.PaymentID = ch.ID
		}
		evt.InvoiceID = string(ch.Invoice)
		evt.RefundID = "refund:" + ch.ID
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
			evt.RefundID = ch.Refunds.Data[0].ID
		}
		evt.Amount = ch.AmountRefunded
		evt.Currency = billing.NormalizeCurrency(ch.Currency)
		evt.Metadata = ch.Metadata.Metadata()
	case stripe.EventTypeChargeDisputeCreated:
		var d stripeDispute
		if err := decode(&d); err != nil {
			return nil, err
		}
		evt.Kind = billing.EventDisputeOpened
		evt.DisputeID = d.ID
		evt.PaymentID = string(d.PaymentIntent)
		if evt.PaymentID == "" {
			evt.PaymentID = string(d.Charge)
		}
		evt.Amount = d.Amount
		evt.Currency = billing.NormalizeCurrency(d.Currency)
	default:
		evt.Kind = billing.EventUnhandled
	}
	return evt, nil
}

// invoicePaymentIntent asks the API which intent paid the invoice. A lookup
// failure is returned unclassified so the delivery is retried.
func (n StripeNormalizer) invoicePaymentIntent(invoiceID string) (string, error) {
	if n.Invoices == nil {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), invoiceLookupTimeout)
	defer cancel()

	pi, err := n.Invoices.InvoicePaymentIntent(ctx, invoiceID)
	if errors.Is(err, ErrNotConfigured) {
		log.Warnf("[Gateway] stripe invoice %s has no payment intent and no API key is configured, keying by invoice", invoiceID)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stripe invoice %s payment lookup: %w", invoiceID, err)
	}
	return pi, nil
}
