package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/sony/gobreaker/v2"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
)

// SettingsSource supplies persisted gateway settings. The setting repository
// satisfies it.
type SettingsSource interface {
	All() (map[string]string, error)
	Fingerprint() (string, error)
}

// ErrNotConfigured is returned when a gateway has no credentials.
var ErrNotConfigured = errors.New("gateway not configured")

const defaultSettingsTTL = 30 * time.Second

// snapshot is one immutable set of clients built from a resolved Config.
type snapshot struct {
	cfg         Config
	fingerprint string
	razorpay    *RazorpayClient
	stripe      *StripeClient
}

// Registry builds gateway clients from settings and rebuilds them when the
// settings fingerprint changes. Outbound calls run behind a per-gateway
// circuit breaker.
type Registry struct {
	source SettingsSource
	plans  PlanResolver
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	current   *snapshot
	checkedAt time.Time

	breakers map[string]*gobreaker.CircuitBreaker[string]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSettingsTTL sets how long a snapshot is trusted before the fingerprint is rechecked.
func WithSettingsTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = ttl }
}

// WithBreakerSettings overrides the breaker settings, mostly for tests.
func WithBreakerSettings(failures uint32, openFor time.Duration) RegistryOption {
	return func(r *Registry) {
		r.breakers = map[string]*gobreaker.CircuitBreaker[string]{
			models.GatewayRazorpay: newBreaker(models.GatewayRazorpay, failures, openFor),
			models.GatewayStripe:   newBreaker(models.GatewayStripe, failures, openFor),
		}
	}
}

// NewRegistry creates a registry. source may be nil, in which case only the
// environment is consulted.
func NewRegistry(source SettingsSource, plans PlanResolver, opts ...RegistryOption) *Registry {
	r := &Registry{
		source: source,
		plans:  plans,
		ttl:    defaultSettingsTTL,
		now:    time.Now,
		breakers: map[string]*gobreaker.CircuitBreaker[string]{
			models.GatewayRazorpay: newBreaker(models.GatewayRazorpay, 5, 30*time.Second),
			models.GatewayStripe:   newBreaker(models.GatewayStripe, 5, 30*time.Second),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newBreaker(name string, failures uint32, openFor time.Duration) *gobreaker.CircuitBreaker[string] {
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("[Gateway] circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	})
}

// snapshot returns the current clients, rebuilding them when the settings
// changed since the last check.
func (r *Registry) snapshot() *snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.current != nil && now.Sub(r.checkedAt) < r.ttl {
		return r.current
	}
	r.checkedAt = now

	settings := map[string]string{}
	fingerprint := ""
	if r.source != nil {
		fp, err := r.source.Fingerprint()
		if err != nil {
			log.Errorf("[Gateway] settings fingerprint failed, keeping current clients: %v", err)
			if r.current != nil {
				return r.current
			}
		} else {
			fingerprint = fp
		}
		if r.current != nil && fingerprint != "" && fingerprint == r.current.fingerprint {
			return r.current
		}
		all, err := r.source.All()
		if err != nil {
			log.Errorf("[Gateway] loading settings failed, using environment: %v", err)
		} else {
			settings = all
		}
	} else if r.current != nil {
		return r.current
	}

	cfg := ResolveConfig(settings)
	snap := &snapshot{cfg: cfg, fingerprint: fingerprint}
	if cfg.RazorpayEnabled() {
		snap.razorpay = NewRazorpayClient(cfg.RazorpayBaseURL, cfg.RazorpayKeyID, cfg.RazorpayKeySecret)
	}
	if cfg.StripeEnabled() {
		snap.stripe = NewStripeClient(cfg.StripeAPIKey)
	}
	if r.current != nil {
		log.Infof("[Gateway] settings changed, gateway clients rebuilt")
	}
	r.current = snap
	return snap
}

// Invalidate forces the next call to re-read settings.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.checkedAt = time.Time{}
	r.mu.Unlock()
}

// Config returns the currently resolved configuration.
func (r *Registry) Config() Config {
	return r.snapshot().cfg
}

// Razorpay returns the Razorpay client or ErrNotConfigured.
func (r *Registry) Razorpay() (*RazorpayClient, error) {
	if c := r.snapshot().razorpay; c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: razorpay", ErrNotConfigured)
}

// Stripe returns the Stripe client or ErrNotConfigured.
func (r *Registry) Stripe() (*StripeClient, error) {
	if c := r.snapshot().stripe; c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: stripe", ErrNotConfigured)
}

// VerifyWebhook checks a delivery's signature with the gateway's current secret.
func (r *Registry) VerifyWebhook(gateway string, payload []byte, signature string) error {
	secret := r.snapshot().cfg.WebhookSecret(gateway)
	switch gateway {
	case models.GatewayRazorpay:
		return VerifyRazorpayWebhook(payload, signature, secret)
	case models.GatewayStripe:
		return VerifyStripeWebhook(payload, signature, secret)
	default:
		return fmt.Errorf("%w: unknown gateway %q", billing.ErrSignature, gateway)
	}
}

// Normalizer returns the event normalizer for gateway.
func (r *Registry) Normalizer(gateway string) (billing.Normalizer, bool) {
	switch gateway {
	case models.GatewayRazorpay:
		return RazorpayNormalizer{Plans: r.plans}, true
	case models.GatewayStripe:
		return StripeNormalizer{Plans: r.plans, Invoices: r}, true
	default:
		return nil, false
	}
}

// Normalizers returns every normalizer, for registering with the billing service.
func (r *Registry) Normalizers() []billing.Normalizer {
	return []billing.Normalizer{RazorpayNormalizer{Plans: r.plans}, StripeNormalizer{Plans: r.plans, Invoices: r}}
}

// call runs fn behind the gateway's breaker and wraps every failure as transient.
func (r *Registry) call(gateway string, fn func() (string, error)) (string, error) {
	cb, ok := r.breakers[gateway]
	if !ok {
		return "", fmt.Errorf("%w: unknown gateway %q", billing.ErrValidation, gateway)
	}
	out, err := cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %s circuit open", billing.ErrTransientGateway, gateway)
		}
		return "", fmt.Errorf("%w: %s: %w", billing.ErrTransientGateway, gateway, err)
	}
	return out, nil
}

// Refund implements billing.Gateways.
func (r *Registry) Refund(ctx context.Context, gateway, paymentID string, amount int64, notes map[string]string) (string, error) {
	return r.call(gateway, func() (string, error) {
		switch gateway {
		case models.GatewayRazorpay:
			c, err := r.Razorpay()
			if err != nil {
				return "", err
			}
			return c.Refund(ctx, paymentID, amount, notes)
		default:
			c, err := r.Stripe()
			if err != nil {
				return "", err
			}
			return c.Refund(ctx, paymentID, amount, notes)
		}
	})
}

// CancelSubscription implements billing.Gateways.
func (r *Registry) CancelSubscription(ctx context.Context, gateway, subscriptionID string, atPeriodEnd bool) error {
	_, err := r.call(gateway, func() (string, error) {
		switch gateway {
		case models.GatewayRazorpay:
			c, err := r.Razorpay()
			if err != nil {
				return "", err
			}
			return "", c.CancelSubscription(ctx, subscriptionID, atPeriodEnd)
		default:
			c, err := r.Stripe()
			if err != nil {
				return "", err
			}
			return "", c.CancelSubscription(ctx, subscriptionID, atPeriodEnd)
		}
	})
	return err
}

// InvoicePaymentIntent implements InvoicePayments.
func (r *Registry) InvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error) {
	return r.call(models.GatewayStripe, func() (string, error) {
		c, err := r.Stripe()
		if err != nil {
			return "", err
		}
		return c.InvoicePaymentIntent(ctx, invoiceID)
	})
}
