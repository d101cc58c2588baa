package billing

import (
	"errors"
	"fmt"
)

// Error kinds. Wrap them with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	// ErrSignature rejects a delivery whose signature does not verify. Never retried.
	ErrSignature = errors.New("invalid webhook signature")
	// ErrValidation marks malformed or incomplete event metadata. Acknowledged, not retried.
	ErrValidation = errors.New("invalid event")
	// ErrDuplicateEvent means the idempotency key was already claimed. Treated as success.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrNotFound means a referenced plan, package, user or transaction is missing.
	ErrNotFound = errors.New("not found")
	// ErrTransientGateway wraps network or API failures calling out to a gateway.
	ErrTransientGateway = errors.New("gateway unavailable")
	// ErrProcessing wraps unexpected failures while mutating state. Retried via the retry queue.
	ErrProcessing = errors.New("processing failed")
)

// Disposition tells a caller what to do with a failed event.
type Disposition int

const (
	// DispositionAck acknowledges the delivery (2xx) without retrying.
	DispositionAck Disposition = iota
	// DispositionReject answers 400 and never retries.
	DispositionReject
	// DispositionRetry answers 5xx and stores the event in the retry queue.
	DispositionRetry
)

// Classify maps an error returned by the engine to how the delivery is answered.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionAck
	case errors.Is(err, ErrSignature):
		return DispositionReject
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicateEvent), errors.Is(err, ErrNotFound):
		return DispositionAck
	default:
		return DispositionRetry
	}
}

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
