package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/notify"
)

// Gateways performs the outbound calls the engine needs from a payment provider.
type Gateways interface {
	Refund(ctx context.Context, gateway, paymentID string, amount int64, notes map[string]string) (string, error)
	CancelSubscription(ctx context.Context, gateway, subscriptionID string, atPeriodEnd bool) error
}

// Outcome describes what Process did with an event.
type Outcome struct {
	Action        string
	UserID        uint
	TransactionID uint
	Duplicate     bool
}

// Service reconciles normalized gateway events into subscriptions, ledger
// balances and refunds.
type Service struct {
	repo        Repository
	dispatcher  notify.Dispatcher
	gateways    Gateways
	sink        DeadLetterSink
	normalizers map[string]Normalizer
	retryExpiry time.Duration
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDispatcher sets where post-commit notifications go.
func WithDispatcher(d notify.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithGateways sets the outbound gateway client used by admin refunds and cancellations.
func WithGateways(g Gateways) Option {
	return func(s *Service) { s.gateways = g }
}

// WithDeadLetterSink archives expired retry records.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithNormalizers registers the normalizers used to replay stored events.
func WithNormalizers(ns ...Normalizer) Option {
	return func(s *Service) {
		for _, n := range ns {
			s.normalizers[n.Name()] = n
		}
	}
}

// WithRetryExpiry overrides how long failed events are retried. Non-positive
// values keep the default.
func WithRetryExpiry(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retryExpiry = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		dispatcher:  notify.LogDispatcher{},
		normalizers: make(map[string]Normalizer),
		retryExpiry: RetryExpiry,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, opts ...Option) *Service {
	return NewService(NewRepository(db), opts...)
}

// Repository exposes the underlying store for read-only callers.
func (s *Service) Repository() Repository {
	return s.repo
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// ExternalEventID returns a stable id for a payload without one.
func ExternalEventID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}

// HandleWebhook normalizes a verified payload and processes it. Errors that
// should be retried are stored in the retry queue before returning.
func (s *Service) HandleWebhook(ctx context.Context, n Normalizer, payload []byte) (*Outcome, error) {
	evt, err := n.Normalize(payload)
	if err != nil {
		if Classify(err) == DispositionAck {
			s.auditEvent(ctx, &Event{Gateway: n.Name(), ExternalEventID: ExternalEventID(payload)}, ActionValidationFailed, err)
			return nil, err
		}
		if qerr := s.EnqueueRetry(ctx, n.Name(), "unknown", ExternalEventID(payload), payload, err); qerr != nil {
			log.Errorf("[Billing] enqueue retry for %s payload failed: %v", n.Name(), qerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	if len(evt.Payload) == 0 {
		evt.Payload = payload
	}

	out, err := s.Process(ctx, evt)
	if err != nil && Classify(err) == DispositionRetry {
		if qerr := s.EnqueueRetry(ctx, evt.Gateway, evt.RawType, evt.ExternalEventID, evt.Payload, err); qerr != nil {
			log.Errorf("[Billing] enqueue retry for %s/%s failed: %v", evt.Gateway, evt.ExternalEventID, qerr)
		}
	}
	return out, err
}

// Process applies one normalized event. All state changes for the event are
// committed in a single DB transaction that first locks the affected user.
// Validation and not-found failures are audited and returned without retry
// semantics; duplicates are audited and reported through Outcome.Duplicate.
func (s *Service) Process(ctx context.Context, evt *Event) (*Outcome, error) {
	if evt.ExternalEventID == "" {
		evt.ExternalEventID = ExternalEventID(evt.Payload)
	}
	if err := evt.Validate(); err != nil {
		s.auditEvent(ctx, evt, ActionValidationFailed, err)
		return nil, err
	}

	var (
		out   *Outcome
		after []func(ctx context.Context)
	)
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		p := &processor{svc: s, repo: repo, evt: evt, now: s.clock()}
		if err := p.dispatch(); err != nil {
			return err
		}
		out = &p.outcome
		after = p.after
		return nil
	})

	switch {
	case err == nil:
		s.runAfterCommit(ctx, after)
		return out, nil
	case errors.Is(err, ErrDuplicateEvent):
		s.auditEvent(ctx, evt, ActionDuplicateIgnored, err)
		log.Infof("[Billing] duplicate %s event %s ignored", evt.Gateway, evt.ExternalEventID)
		return &Outcome{Action: ActionDuplicateIgnored, UserID: evt.Metadata.UserID, Duplicate: true}, nil
	case errors.Is(err, ErrValidation):
		s.auditEvent(ctx, evt, ActionValidationFailed, err)
		return nil, err
	case errors.Is(err, ErrNotFound):
		s.auditEvent(ctx, evt, ActionReferenceNotFound, err)
		return nil, err
	default:
		s.auditEvent(ctx, evt, ActionProcessingFailed, err)
		log.Errorf("[Billing] processing %s event %s (%s) failed: %v", evt.Gateway, evt.ExternalEventID, evt.RawType, err)
		if errors.Is(err, ErrProcessing) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrProcessing, err)
	}
}

func (s *Service) runAfterCommit(ctx context.Context, fns []func(ctx context.Context)) {
	for _, fn := range fns {
		fn(ctx)
	}
}

// processor carries the state of one event inside its DB transaction.
type processor struct {
	svc     *Service
	repo    Repository
	evt     *Event
	now     time.Time
	outcome Outcome
	after   []func(ctx context.Context)
}

func (p *processor) dispatch() error {
	switch p.evt.Kind {
	case EventUnhandled:
		return p.audit(ActionEventUnhandled, p.evt.Metadata.UserID, 0, nil)
	case EventSubscriptionAuthenticated:
		return p.audit(ActionSubscriptionAuthenticated, p.evt.Metadata.UserID, 0, nil)
	case EventSubscriptionActivated:
		return p.activateSubscription()
	case EventSubscriptionCharged:
		return p.chargeSubscription()
	case EventSubscriptionPending, EventSubscriptionHalted:
		return p.markPastDue()
	case EventSubscriptionCancelled, EventSubscriptionCompleted:
		return p.cancelSubscription()
	case EventPaymentCaptured:
		return p.capturePayment()
	case EventPaymentFailed:
		return p.failPayment()
	case EventRefundCreated:
		return p.refund()
	case EventDisputeOpened:
		return p.dispute()
	default:
		return validationErrorf("no handler for event kind %s", p.evt.Kind)
	}
}

// afterCommit queues fn to run once the transaction committed.
func (p *processor) afterCommit(fn func(ctx context.Context, d notify.Dispatcher) error, what string) {
	d := p.svc.dispatcher
	evt := p.evt
	p.after = append(p.after, func(ctx context.Context) {
		if err := fn(ctx, d); err != nil {
			log.Warnf("[Billing] %s for %s event %s failed: %v", what, evt.Gateway, evt.ExternalEventID, err)
		}
	})
}

func (p *processor) lockUser(userID uint) (*models.User, error) {
	if userID == 0 {
		return nil, validationErrorf("%s: user_id metadata is required", p.evt.Kind)
	}
	u, err := p.repo.LockUser(userID)
	if err != nil {
		return nil, lookupError(err, "user %d", userID)
	}
	return u, nil
}

// claim inserts txn and turns a lost race into ErrDuplicateEvent.
func (p *processor) claim(txn *models.PaymentTransaction) error {
	claimed, err := p.repo.ClaimTransaction(txn)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %s transaction %s", ErrDuplicateEvent, txn.Gateway, txn.GatewayTransactionID)
	}
	p.outcome.TransactionID = txn.ID
	return nil
}

func lookupError(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErrorf(format, args...)
	}
	return err
}

func (p *processor) amountOr(fallback int64) int64 {
	if p.evt.Amount > 0 {
		return p.evt.Amount
	}
	return fallback
}

func (p *processor) currencyOr(fallback string) string {
	if c := NormalizeCurrency(p.evt.Currency); c != "" {
		return c
	}
	return NormalizeCurrency(fallback)
}

func int64Ptr(v int64) *int64 { return &v }

func stringPtr(v string) *string { return &v }
