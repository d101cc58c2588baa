package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/usercontext"
)

const (
	checkoutTimeout = 20 * time.Second
	// Razorpay needs a cycle count; ten years of renewals.
	monthlyTotalCount = 120
	yearlyTotalCount  = 10
)

var validate = validator.New()

// CheckoutGateways hands out configured gateway clients. gateway.Registry implements it.
type CheckoutGateways interface {
	Razorpay() (*gateway.RazorpayClient, error)
	Stripe() (*gateway.StripeClient, error)
	Normalizer(gateway string) (billing.Normalizer, bool)
}

// PaymentController serves the authenticated purchase flow.
type PaymentController struct {
	svc      *billing.Service
	gateways CheckoutGateways
}

func NewPaymentController(svc *billing.Service, gateways CheckoutGateways) *PaymentController {
	return &PaymentController{svc: svc, gateways: gateways}
}

type createSubscriptionRequest struct {
	Gateway       string `json:"gateway" validate:"required,oneof=razorpay stripe"`
	PlanID        string `json:"plan_id" validate:"required,max=64"`
	BillingPeriod string `json:"billing_period" validate:"omitempty,oneof=monthly yearly"`
	SuccessURL    string `json:"success_url" validate:"required_if=Gateway stripe,max=2048"`
	CancelURL     string `json:"cancel_url" validate:"required_if=Gateway stripe,max=2048"`
}

type createOrderRequest struct {
	Gateway    string `json:"gateway" validate:"required,oneof=razorpay stripe"`
	PackageID  string `json:"package_id" validate:"required,max=64"`
	SuccessURL string `json:"success_url" validate:"required_if=Gateway stripe,max=2048"`
	CancelURL  string `json:"cancel_url" validate:"required_if=Gateway stripe,max=2048"`
}

type verifyOrderRequest struct {
	OrderID   string `json:"razorpay_order_id" validate:"required"`
	PaymentID string `json:"razorpay_payment_id" validate:"required"`
	Signature string `json:"razorpay_signature" validate:"required"`
}

type verifySubscriptionRequest struct {
	SubscriptionID string `json:"razorpay_subscription_id" validate:"required"`
	PaymentID      string `json:"razorpay_payment_id" validate:"required"`
	Signature      string `json:"razorpay_signature" validate:"required"`
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("%w: malformed request body", billing.ErrValidation)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrValidation, err)
	}
	return nil
}

func lookup(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", billing.ErrNotFound, what)
	}
	return err
}

// HandleCreateSubscription starts a subscription checkout on the chosen gateway.
func (pc *PaymentController) HandleCreateSubscription(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	var req createSubscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	plan, err := pc.svc.Repository().FindPlan(req.PlanID)
	if err != nil {
		return respondError(c, lookup(err, "plan "+req.PlanID))
	}
	ref := plan.GatewayPlanRef(req.Gateway)
	if ref == "" {
		return respondError(c, fmt.Errorf("%w: plan %s is not offered on %s", billing.ErrValidation, plan.ID, req.Gateway))
	}
	period := req.BillingPeriod
	if period == "" {
		period = plan.BillingPeriod
	}
	meta := billing.Metadata{UserID: userID, PlanID: plan.ID, BillingPeriod: period}

	ctx, cancel := context.WithTimeout(context.Background(), checkoutTimeout)
	defer cancel()

	switch req.Gateway {
	case models.GatewayRazorpay:
		rp, err := pc.gateways.Razorpay()
		if err != nil {
			return respondError(c, err)
		}
		total := monthlyTotalCount
		if period == models.BillingPeriodYearly {
			total = yearlyTotalCount
		}
		sub, err := rp.CreateSubscription(ctx, ref, total, meta.Notes())
		if err != nil {
			return respondError(c, fmt.Errorf("%w: %w", billing.ErrTransientGateway, err))
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"gateway":         models.GatewayRazorpay,
			"subscription_id": sub.ID,
			"key_id":          rp.KeyID(),
			"short_url":       sub.ShortURL,
			"plan_id":         plan.ID,
		})
	default:
		st, err := pc.gateways.Stripe()
		if err != nil {
			return respondError(c, err)
		}
		session, err := st.CreateSubscriptionCheckout(ctx, ref, req.SuccessURL, req.CancelURL, meta.Notes())
		if err != nil {
			return respondError(c, fmt.Errorf("%w: %w", billing.ErrTransientGateway, err))
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"gateway":    models.GatewayStripe,
			"session_id": session.ID,
			"url":        session.URL,
			"plan_id":    plan.ID,
		})
	}
}

// HandleCreateOrder starts a one-off credit package purchase.
func (pc *PaymentController) HandleCreateOrder(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	var req createOrderRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	pkg, err := pc.svc.Repository().FindCreditPackage(req.PackageID)
	if err != nil {
		return respondError(c, lookup(err, "credit package "+req.PackageID))
	}
	meta := billing.Metadata{UserID: userID, PackageID: pkg.ID}

	ctx, cancel := context.WithTimeout(context.Background(), checkoutTimeout)
	defer cancel()

	switch req.Gateway {
	case models.GatewayRazorpay:
		rp, err := pc.gateways.Razorpay()
		if err != nil {
			return respondError(c, err)
		}
		receipt := "rcpt_" + uuid.NewString()[:18]
		order, err := rp.CreateOrder(ctx, pkg.Amount, pkg.Currency, receipt, meta.Notes())
		if err != nil {
			return respondError(c, fmt.Errorf("%w: %w", billing.ErrTransientGateway, err))
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"gateway":    models.GatewayRazorpay,
			"order_id":   order.ID,
			"amount":     order.Amount,
			"currency":   order.Currency,
			"key_id":     rp.KeyID(),
			"package_id": pkg.ID,
		})
	default:
		st, err := pc.gateways.Stripe()
		if err != nil {
			return respondError(c, err)
		}
		session, err := st.CreatePaymentCheckout(ctx, pkg.Name, pkg.Amount, pkg.Currency, req.SuccessURL, req.CancelURL, meta.Notes())
		if err != nil {
			return respondError(c, fmt.Errorf("%w: %w", billing.ErrTransientGateway, err))
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"gateway":    models.GatewayStripe,
			"session_id": session.ID,
			"url":        session.URL,
			"package_id": pkg.ID,
		})
	}
}

// HandleVerifyOrder confirms a Razorpay checkout from the client. It runs the
// same engine path as payment.captured, so whichever arrives second is a duplicate.
func (pc *PaymentController) HandleVerifyOrder(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	var req verifyOrderRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	rp, err := pc.gateways.Razorpay()
	if err != nil {
		return respondError(c, err)
	}
	if !rp.VerifyOrderPayment(req.OrderID, req.PaymentID, req.Signature) {
		return respondError(c, fmt.Errorf("%w: checkout signature", billing.ErrSignature))
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkoutTimeout)
	defer cancel()

	payment, err := rp.FetchPayment(ctx, req.PaymentID)
	if err != nil {
		return respondError(c, fmt.Errorf("%w: %w", billing.ErrTransientGateway, err))
	}
	if payment.OrderID != req.OrderID {
		return respondError(c, fmt.Errorf("%w: payment does not belong to order", billing.ErrValidation))
	}
	n := gateway.RazorpayNormalizer{}
	evt := n.PaymentEvent(payment)
	if evt.Metadata.UserID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "payment belongs to another user"})
	}
	if payment.Status != "captured" {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": payment.Status, "message": "payment not captured yet"})
	}
	return pc.process(c, ctx, evt)
}

// HandleVerifySubscription confirms a Razorpay subscription checkout.
func (pc *PaymentController) HandleVerifySubscription(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	var req verifySubscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	rp, err := pc.gateways.Razorpay()
	if err != nil {
		return respondError(c, err)
	}
	if !rp.VerifySubscriptionPayment(req.SubscriptionID, req.PaymentID, req.Signature) {
		return respondError(c, fmt.Errorf("%w: checkout signature", billing.ErrSignature))
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkoutTimeout)
	defer cancel()

	sub, err := rp.FetchSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return respondError(c, fmt.Errorf("%w: %w", billing.ErrTransientGateway, err))
	}
	// The registered normalizer carries the plan resolver for plan_id fallback.
	n, _ := pc.gateways.Normalizer(models.GatewayRazorpay)
	rn, _ := n.(gateway.RazorpayNormalizer)
	evt := rn.SubscriptionEvent(sub, req.PaymentID)
	if evt.Metadata.UserID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "subscription belongs to another user"})
	}
	return pc.process(c, ctx, evt)
}

func (pc *PaymentController) process(c *fiber.Ctx, ctx context.Context, evt *billing.Event) error {
	out, err := pc.svc.Process(ctx, evt)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"status":         "ok",
		"action":         out.Action,
		"duplicate":      out.Duplicate,
		"transaction_id": out.TransactionID,
	})
}

// HandleCancelSubscription cancels the caller's subscription at period end.
func (pc *PaymentController) HandleCancelSubscription(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkoutTimeout)
	defer cancel()

	sub, err := pc.svc.CancelSubscription(ctx, usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"current_period_end":   sub.CurrentPeriodEnd.UTC().Format(time.RFC3339),
	})
}

// HandleListTransactions returns the caller's transactions, newest first.
func (pc *PaymentController) HandleListTransactions(c *fiber.Ctx) error {
	txns, err := pc.svc.ListTransactions(context.Background(), usercontext.GetUserID(c), queryLimit(c, 50, 200))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"transactions": txns})
}
