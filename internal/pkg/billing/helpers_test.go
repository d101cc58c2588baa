package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/testdb"
)

var testNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDispatcher) record(format string, args ...interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
	return nil
}

func (d *recordingDispatcher) NotifyUpgrade(ctx context.Context, userID uint, planID string, transactionID uint) error {
	return d.record("upgrade:%d:%s", userID, planID)
}

func (d *recordingDispatcher) NotifySuspension(ctx context.Context, userID uint, reason string) error {
	return d.record("suspension:%d", userID)
}

func (d *recordingDispatcher) SendPurchaseConfirmation(ctx context.Context, userID uint, transactionID uint) error {
	return d.record("purchase:%d", userID)
}

func (d *recordingDispatcher) SendPaymentFailed(ctx context.Context, userID uint, reason string) error {
	return d.record("payment_failed:%d", userID)
}

func (d *recordingDispatcher) GenerateInvoiceForTransaction(ctx context.Context, transactionID uint) error {
	return d.record("invoice:%d", transactionID)
}

func (d *recordingDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// testPayload is the wire format of testNormalizer.
type testPayload struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Kind           EventKind `json:"kind"`
	UserID         uint      `json:"user_id,omitempty"`
	PlanID         string    `json:"plan_id,omitempty"`
	BillingPeriod  string    `json:"billing_period,omitempty"`
	PackageID      string    `json:"package_id,omitempty"`
	PaymentID      string    `json:"payment_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	InvoiceID      string    `json:"invoice_id,omitempty"`
	RefundID       string    `json:"refund_id,omitempty"`
	DisputeID      string    `json:"dispute_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
}

type testNormalizer struct{}

func (testNormalizer) Name() string { return models.GatewayRazorpay }

func (testNormalizer) Normalize(payload []byte) (*Event, error) {
	var p testPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &Event{
		Gateway:         models.GatewayRazorpay,
		Kind:            p.Kind,
		RawType:         p.Type,
		ExternalEventID: p.ID,
		Metadata: Metadata{
			UserID:        p.UserID,
			PlanID:        p.PlanID,
			BillingPeriod: p.BillingPeriod,
			PackageID:     p.PackageID,
		},
		PaymentID:      p.PaymentID,
		SubscriptionID: p.SubscriptionID,
		InvoiceID:      p.InvoiceID,
		RefundID:       p.RefundID,
		DisputeID:      p.DisputeID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Payload:        payload,
	}, nil
}

func encodePayload(t *testing.T, p testPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

// flakyRepo fails the next n AddCredits calls, like a deadlock would.
type flakyRepo struct {
	Repository
	failures int32
}

func (f *flakyRepo) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	return f.Repository.Transaction(ctx, func(tx Repository) error {
		return fn(&flakyTx{Repository: tx, parent: f})
	})
}

type flakyTx struct {
	Repository
	parent *flakyRepo
}

func (t *flakyTx) AddCredits(userID uint, amount int64) error {
	if atomic.AddInt32(&t.parent.failures, -1) >= 0 {
		return errors.New("Error 1213: Deadlock found when trying to get lock")
	}
	return t.Repository.AddCredits(userID, amount)
}

type fixture struct {
	db         *gorm.DB
	repo       *flakyRepo
	svc        *Service
	clock      *testClock
	dispatcher *recordingDispatcher
	user       *models.User
}

func newFixture(t *testing.T, opts ...Option) *fixture {
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
	require.NoError(t, db.Create(&models.CreditPackage{
		ID:       "credits_500",
		Name:     "500 credits",
		Credits:  500,
		Amount:   19900,
		Currency: "INR",
		IsActive: true,
	}).Error)

	f := &fixture{
		db:         db,
		repo:       &flakyRepo{Repository: NewRepository(db)},
		clock:      &testClock{now: testNow},
		dispatcher: &recordingDispatcher{},
		user:       testdb.CreateUser(t, db, "buyer@example.com", 0),
	}
	all := append([]Option{
		WithClock(f.clock.Now),
		WithDispatcher(f.dispatcher),
		WithNormalizers(testNormalizer{}),
	}, opts...)
	f.svc = NewService(f.repo, all...)
	return f
}

func (f *fixture) reloadUser(t *testing.T) *models.User {
	t.Helper()
	var u models.User
	require.NoError(t, f.db.First(&u, f.user.ID).Error)
	return &u
}

func (f *fixture) countAudit(t *testing.T, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.AuditEntry{}).Where("action = ?", action).Count(&n).Error)
	return n
}

func (f *fixture) countRows(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func (f *fixture) captureEvent(paymentID string) *Event {
	return &Event{
		Gateway:         models.GatewayRazorpay,
		Kind:            EventPaymentCaptured,
		RawType:         "payment.captured",
		ExternalEventID: "evt_" + paymentID,
		Metadata:        Metadata{UserID: f.user.ID, PackageID: "credits_500"},
		PaymentID:       paymentID,
		OrderID:         "order_" + paymentID,
		Amount:          19900,
		Currency:        "inr",
	}
}

func (f *fixture) activationEvent(subID, paymentID string) *Event {
	return &Event{
		Gateway:         models.GatewayRazorpay,
		Kind:            EventSubscriptionActivated,
		RawType:         "subscription.activated",
		ExternalEventID: "evt_act_" + subID,
		Metadata:        Metadata{UserID: f.user.ID, PlanID: "pro", BillingPeriod: models.BillingPeriodMonthly},
		SubscriptionID:  subID,
		PaymentID:       paymentID,
		Amount:          49900,
		Currency:        "INR",
	}
}

func (f *fixture) subscriptionEvent(kind EventKind, rawType, subID string) *Event {
	return &Event{
		Gateway:         models.GatewayRazorpay,
		Kind:            kind,
		RawType:         rawType,
		ExternalEventID: "evt_" + rawType + "_" + subID,
		SubscriptionID:  subID,
	}
}
