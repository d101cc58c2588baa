package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
)

const webhookTimeout = 15 * time.Second

// WebhookGateways verifies and normalizes gateway deliveries. gateway.Registry
// implements it.
type WebhookGateways interface {
	VerifyWebhook(gateway string, payload []byte, signature string) error
	Normalizer(gateway string) (billing.Normalizer, bool)
}

// WebhookController receives gateway webhooks.
type WebhookController struct {
	svc      *billing.Service
	gateways WebhookGateways
	counters *counter.Counter
}

// NewWebhookController builds the controller. counters may be nil.
func NewWebhookController(svc *billing.Service, gateways WebhookGateways, counters *counter.Counter) *WebhookController {
	return &WebhookController{svc: svc, gateways: gateways, counters: counters}
}

var signatureHeaders = map[string]string{
	models.GatewayRazorpay: gateway.HeaderRazorpaySignature,
	models.GatewayStripe:   gateway.HeaderStripeSignature,
}

// Handle returns the handler for one gateway's webhook endpoint. Any
// classified outcome is acknowledged with 200 so the gateway stops
// redelivering; only processing failures answer 500.
func (wc *WebhookController) Handle(gw string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()

		// fasthttp reuses the body buffer after the handler returns
		payload := append([]byte(nil), c.Body()...)

		if err := wc.gateways.VerifyWebhook(gw, payload, c.Get(signatureHeaders[gw])); err != nil {
			log.Warnf("[Webhook] %s signature rejected from %s: %v", gw, c.IP(), err)
			wc.svc.RecordSignatureRejected(ctx, gw, err)
			wc.counters.AddDelivery(ctx, gw, counter.OutcomeRejected)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		}

		n, ok := wc.gateways.Normalizer(gw)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_gateway"})
		}

		out, err := wc.svc.HandleWebhook(ctx, n, payload)
		switch billing.Classify(err) {
		case billing.DispositionAck:
			outcome := counter.OutcomeAcknowledged
			if err != nil {
				log.Infof("[Webhook] %s event acknowledged without changes: %v", gw, err)
			} else if out != nil {
				log.Infof("[Webhook] %s event handled: %s (duplicate=%t)", gw, out.Action, out.Duplicate)
				if out.Duplicate {
					outcome = counter.OutcomeDuplicate
				}
			}
			wc.counters.AddDelivery(ctx, gw, outcome)
			return c.JSON(fiber.Map{"received": true})
		case billing.DispositionReject:
			wc.counters.AddDelivery(ctx, gw, counter.OutcomeRejected)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		default:
			wc.counters.AddDelivery(ctx, gw, counter.OutcomeFailed)
			log.Errorf("[Webhook] %s event failed, queued for retry: %v", gw, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
		}
	}
}
