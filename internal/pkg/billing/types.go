package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// EventKind is the closed set of canonical operations a gateway event maps to.
type EventKind int

const (
	EventUnhandled EventKind = iota
	EventSubscriptionAuthenticated
	EventSubscriptionActivated
	EventSubscriptionCharged
	EventSubscriptionPending
	EventSubscriptionHalted
	EventSubscriptionCancelled
	EventSubscriptionCompleted
	EventPaymentCaptured
	EventPaymentFailed
	EventRefundCreated
	EventDisputeOpened
)

// EventKinds lists every kind the engine must handle, Unhandled included.
var EventKinds = []EventKind{
	EventUnhandled,
	EventSubscriptionAuthenticated,
	EventSubscriptionActivated,
	EventSubscriptionCharged,
	EventSubscriptionPending,
	EventSubscriptionHalted,
	EventSubscriptionCancelled,
	EventSubscriptionCompleted,
	EventPaymentCaptured,
	EventPaymentFailed,
	EventRefundCreated,
	EventDisputeOpened,
}

func (k EventKind) String() string {
	switch k {
	case EventSubscriptionAuthenticated:
		return "SubscriptionAuthenticated"
	case EventSubscriptionActivated:
		return "SubscriptionActivated"
	case EventSubscriptionCharged:
		return "SubscriptionCharged"
	case EventSubscriptionPending:
		return "SubscriptionPending"
	case EventSubscriptionHalted:
		return "SubscriptionHalted"
	case EventSubscriptionCancelled:
		return "SubscriptionCancelled"
	case EventSubscriptionCompleted:
		return "SubscriptionCompleted"
	case EventPaymentCaptured:
		return "PaymentCaptured"
	case EventPaymentFailed:
		return "PaymentFailed"
	case EventRefundCreated:
		return "RefundCreated"
	case EventDisputeOpened:
		return "DisputeOpened"
	case EventUnhandled:
		return "Unhandled"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Metadata is attached to gateway objects when a checkout is created and
// read back from every event. It replaces free-form provider notes.
type Metadata struct {
	UserID        uint   `json:"user_id" validate:"required"`
	PlanID        string `json:"plan_id,omitempty" validate:"omitempty,max=64"`
	BillingPeriod string `json:"billing_period,omitempty" validate:"omitempty,oneof=monthly yearly"`
	PackageID     string `json:"package_id,omitempty" validate:"omitempty,max=64"`
}

// Notes renders the metadata as the string map gateways accept.
func (m Metadata) Notes() map[string]string {
	notes := map[string]string{"user_id": fmt.Sprintf("%d", m.UserID)}
	if m.PlanID != "" {
		notes["plan_id"] = m.PlanID
	}
	if m.BillingPeriod != "" {
		notes["billing_period"] = m.BillingPeriod
	}
	if m.PackageID != "" {
		notes["package_id"] = m.PackageID
	}
	return notes
}

// Event is the provider-neutral form of one webhook delivery.
type Event struct {
	Gateway         string
	Kind            EventKind
	RawType         string
	ExternalEventID string
	Metadata        Metadata

	// PaymentID is the gateway's id for the money movement and the second
	// half of the idempotency key.
	PaymentID      string
	OrderID        string
	SubscriptionID string
	InvoiceID      string
	RefundID       string
	DisputeID      string
	Amount         int64
	Currency       string
	OccurredAt     time.Time

	Payload []byte
}

var validate = validator.New()

// Validate checks the fields the event's kind requires. Failures wrap ErrValidation.
func (e *Event) Validate() error {
	if !models.KnownGateway(e.Gateway) {
		return validationErrorf("unknown gateway %q", e.Gateway)
	}

	switch e.Kind {
	case EventUnhandled, EventSubscriptionAuthenticated:
		return nil
	case EventSubscriptionActivated:
		if e.SubscriptionID == "" {
			return validationErrorf("%s: subscription id is required", e.Kind)
		}
		if err := e.validateMetadata(); err != nil {
			return err
		}
		if e.Metadata.PlanID == "" {
			return validationErrorf("%s: plan_id metadata is required", e.Kind)
		}
	case EventSubscriptionCharged:
		if e.SubscriptionID == "" || e.PaymentID == "" {
			return validationErrorf("%s: subscription id and payment id are required", e.Kind)
		}
	case EventSubscriptionPending, EventSubscriptionHalted, EventSubscriptionCancelled, EventSubscriptionCompleted:
		if e.SubscriptionID == "" {
			return validationErrorf("%s: subscription id is required", e.Kind)
		}
	case EventPaymentCaptured:
		if e.PaymentID == "" {
			return validationErrorf("%s: payment id is required", e.Kind)
		}
		if e.IsSubscriptionPayment() {
			return nil
		}
		if err := e.validateMetadata(); err != nil {
			return err
		}
		if e.Metadata.PackageID == "" {
			return validationErrorf("%s: package_id metadata is required", e.Kind)
		}
	case EventPaymentFailed:
		if e.PaymentID == "" {
			return validationErrorf("%s: payment id is required", e.Kind)
		}
	case EventRefundCreated:
		if e.PaymentID == "" || e.RefundID == "" {
			return validationErrorf("%s: payment id and refund id are required", e.Kind)
		}
	case EventDisputeOpened:
		if e.PaymentID == "" || e.DisputeID == "" {
			return validationErrorf("%s: payment id and dispute id are required", e.Kind)
		}
	default:
		return validationErrorf("unknown event kind %d", int(e.Kind))
	}
	return nil
}

func (e *Event) validateMetadata() error {
	if err := validate.Struct(e.Metadata); err != nil {
		return validationErrorf("%s: metadata: %v", e.Kind, err)
	}
	return nil
}

// IsSubscriptionPayment reports whether a captured payment belongs to a
// subscription invoice. Those are owned by the subscription events.
func (e *Event) IsSubscriptionPayment() bool {
	return e.InvoiceID != "" || e.SubscriptionID != ""
}

// Normalizer turns a raw, already verified payload into an Event.
type Normalizer interface {
	Name() string
	Normalize(payload []byte) (*Event, error)
}

// NormalizeCurrency upper-cases ISO currency codes from gateways.
func NormalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
