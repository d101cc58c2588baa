package billing

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// Audit actions.
const (
	ActionSubscriptionAuthenticated = "subscription_authenticated"
	ActionSubscriptionActivated     = "subscription_activated"
	ActionSubscriptionRenewed       = "subscription_renewed"
	ActionActivationSettled         = "subscription_activation_settled"
	ActionSubscriptionCancelled     = "subscription_cancelled"
	ActionCancelRequested           = "subscription_cancel_requested"
	ActionPaymentFailed             = "payment_failed"
	ActionCreditsPurchased          = "credits_purchased"
	ActionCaptureSkipped            = "subscription_capture_skipped"
	ActionRefundProcessed           = "refund_processed"
	ActionDisputeOpened             = "dispute_opened"
	ActionAdminRefund               = "admin_refund"
	ActionDuplicateIgnored          = "duplicate_event_ignored"
	ActionEventUnhandled            = "event_unhandled"
	ActionValidationFailed          = "validation_failed"
	ActionReferenceNotFound         = "reference_not_found"
	ActionProcessingFailed          = "processing_failed"
	ActionSignatureRejected         = "signature_rejected"
	ActionRetryDeadLettered         = "retry_dead_lettered"
)

// audit appends the entry for the current event inside its transaction.
func (p *processor) audit(action string, userID, txnID uint, amount *int64, extra ...interface{}) error {
	entry := newAuditEntry(p.evt, action, userID, txnID, amount, nil, extra...)
	if err := p.repo.AppendAudit(entry); err != nil {
		return err
	}
	p.outcome.Action = action
	if userID != 0 {
		p.outcome.UserID = userID
	}
	if txnID != 0 {
		p.outcome.TransactionID = txnID
	}
	return nil
}

// auditEvent writes an entry outside any event transaction. Failures are logged.
func (s *Service) auditEvent(ctx context.Context, evt *Event, action string, cause error) {
	entry := newAuditEntry(evt, action, evt.Metadata.UserID, 0, nil, cause)
	if err := s.repo.Transaction(ctx, func(repo Repository) error {
		return repo.AppendAudit(entry)
	}); err != nil {
		log.Errorf("[Billing] audit %s for %s event %s failed: %v", action, evt.Gateway, evt.ExternalEventID, err)
	}
}

// RecordSignatureRejected audits a delivery whose signature did not verify.
func (s *Service) RecordSignatureRejected(ctx context.Context, gateway string, cause error) {
	s.auditEvent(ctx, &Event{Gateway: gateway}, ActionSignatureRejected, cause)
}

// ListAudit returns recent audit entries, newest first.
func (s *Service) ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	_ = ctx
	return s.repo.ListAudit(filter)
}

// newAuditEntry builds an entry; extra holds alternating metadata keys and values.
func newAuditEntry(evt *Event, action string, userID, txnID uint, amount *int64, cause error, extra ...interface{}) *models.AuditEntry {
	meta := map[string]interface{}{}
	if evt.RawType != "" {
		meta["event_type"] = evt.RawType
	}
	if evt.ExternalEventID != "" {
		meta["external_event_id"] = evt.ExternalEventID
	}
	if evt.PaymentID != "" {
		meta["payment_id"] = evt.PaymentID
	}
	if evt.SubscriptionID != "" {
		meta["subscription_id"] = evt.SubscriptionID
	}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			meta[k] = extra[i+1]
		}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = []byte("{}")
	}

	entry := &models.AuditEntry{
		Gateway:  evt.Gateway,
		Action:   action,
		Amount:   amount,
		Metadata: string(raw),
	}
	if amount != nil {
		entry.Currency = NormalizeCurrency(evt.Currency)
	}
	if userID != 0 {
		entry.UserID = &userID
	}
	if txnID != 0 {
		entry.TransactionID = &txnID
	}
	return entry
}
