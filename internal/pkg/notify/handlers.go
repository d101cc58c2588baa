package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayRecon/internal/pkg/mail"
)

// InvoiceGenerator produces the invoice document for a completed transaction.
type InvoiceGenerator interface {
	Generate(ctx context.Context, user *models.User, txn *models.PaymentTransaction) error
}

// HTTPInvoiceGenerator posts the transaction to an external invoicing service.
type HTTPInvoiceGenerator struct {
	client *resty.Client
}

func NewHTTPInvoiceGenerator(baseURL, token string) *HTTPInvoiceGenerator {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &HTTPInvoiceGenerator{client: c}
}

func (g *HTTPInvoiceGenerator) Generate(ctx context.Context, user *models.User, txn *models.PaymentTransaction) error {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"transaction_id": txn.ID,
			"user_id":        user.ID,
			"email":          user.Email,
			"name":           user.Name,
			"gateway":        txn.Gateway,
			"gateway_ref":    txn.GatewayTransactionID,
			"amount":         txn.Amount,
			"currency":       txn.Currency,
			"completed_at":   txn.CompletedAt,
		}).
		Post("/invoices")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("invoice service returned %s", resp.Status())
	}
	return nil
}

// LogInvoiceGenerator only logs.
type LogInvoiceGenerator struct{}

func (LogInvoiceGenerator) Generate(ctx context.Context, user *models.User, txn *models.PaymentTransaction) error {
	log.Infof("[Invoice] (not generated) txn=%d user=%d amount=%d %s", txn.ID, user.ID, txn.Amount, txn.Currency)
	return nil
}

// Handlers executes notification jobs taken from the queue.
type Handlers struct {
	DB       *gorm.DB
	Mail     mail.Sender
	Invoices InvoiceGenerator
}

// Register installs a handler for every notification job type.
func (h *Handlers) Register(q *jobqueue.Queue) {
	q.Handle(jobqueue.JobTypeNotifyUpgrade, h.handleUpgrade)
	q.Handle(jobqueue.JobTypeNotifySuspension, h.handleSuspension)
	q.Handle(jobqueue.JobTypePurchaseConfirmation, h.handlePurchaseConfirmation)
	q.Handle(jobqueue.JobTypePaymentFailed, h.handlePaymentFailed)
	q.Handle(jobqueue.JobTypeGenerateInvoice, h.handleInvoice)
}

// load decodes the payload and, when needUser is set, the user it targets.
func (h *Handlers) load(ctx context.Context, job *jobqueue.Job, needUser bool) (*jobqueue.NotificationJobPayload, *models.User, error) {
	p, err := jobqueue.NotificationJobPayloadFromMap(job.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}
	if !needUser {
		return p, nil, nil
	}
	if p.UserID == 0 {
		return nil, nil, fmt.Errorf("job %s has no user_id", job.ID)
	}
	var user models.User
	if err := h.DB.WithContext(ctx).First(&user, p.UserID).Error; err != nil {
		return nil, nil, fmt.Errorf("load user %d: %w", p.UserID, err)
	}
	return p, &user, nil
}

func (h *Handlers) handleUpgrade(ctx context.Context, job *jobqueue.Job) error {
	p, user, err := h.load(ctx, job, true)
	if err != nil {
		return err
	}
	content := fmt.Sprintf("Your plan is now %s.", p.PlanID)
	if err := models.CreateNotification(h.DB.WithContext(ctx), user.ID, models.NotificationTypeUpgrade, content, p.TransactionID); err != nil {
		return err
	}
	return h.Mail.Send(user.Email, "Your subscription is active", "<p>"+content+"</p>")
}

func (h *Handlers) handleSuspension(ctx context.Context, job *jobqueue.Job) error {
	p, user, err := h.load(ctx, job, true)
	if err != nil {
		return err
	}
	if err := models.CreateNotification(h.DB.WithContext(ctx), user.ID, models.NotificationTypeSuspension, p.Reason, 0); err != nil {
		return err
	}
	return h.Mail.Send(user.Email, "Your account has been suspended", "<p>"+p.Reason+"</p>")
}

func (h *Handlers) handlePurchaseConfirmation(ctx context.Context, job *jobqueue.Job) error {
	p, user, err := h.load(ctx, job, true)
	if err != nil {
		return err
	}
	txn, err := h.transaction(ctx, p.TransactionID)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("<p>We received your payment of %s %s.</p>", FormatAmount(txn.Amount), txn.Currency)
	return h.Mail.Send(user.Email, "Payment received", body)
}

func (h *Handlers) handlePaymentFailed(ctx context.Context, job *jobqueue.Job) error {
	p, user, err := h.load(ctx, job, true)
	if err != nil {
		return err
	}
	if err := models.CreateNotification(h.DB.WithContext(ctx), user.ID, models.NotificationTypePaymentFailed, p.Reason, 0); err != nil {
		return err
	}
	return h.Mail.Send(user.Email, "Payment failed", "<p>"+p.Reason+"</p>")
}

func (h *Handlers) handleInvoice(ctx context.Context, job *jobqueue.Job) error {
	p, _, err := h.load(ctx, job, false)
	if err != nil {
		return err
	}
	txn, err := h.transaction(ctx, p.TransactionID)
	if err != nil {
		return err
	}
	var user models.User
	if err := h.DB.WithContext(ctx).First(&user, txn.UserID).Error; err != nil {
		return fmt.Errorf("load user %d: %w", txn.UserID, err)
	}
	return h.Invoices.Generate(ctx, &user, txn)
}

func (h *Handlers) transaction(ctx context.Context, id uint) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	if err := h.DB.WithContext(ctx).First(&txn, id).Error; err != nil {
		return nil, fmt.Errorf("load transaction %d: %w", id, err)
	}
	return &txn, nil
}

// FormatAmount renders minor units with two decimals.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
