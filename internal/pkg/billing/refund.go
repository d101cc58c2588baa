package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/notify"
)

// AdminRefundRequest asks for a refund of a completed transaction.
type AdminRefundRequest struct {
	TransactionID uint   `json:"transaction_id" validate:"required"`
	Amount        int64  `json:"amount" validate:"gte=0"`
	Reason        string `json:"reason" validate:"max=255"`
	InitiatedBy   string `json:"-"`
}

func (p *processor) refund() error {
	txn, err := p.owningTransaction()
	if err != nil {
		return err
	}
	user, refund, err := p.reverseTransaction(txn, models.RefundReasonGateway, p.evt.RefundID, p.evt.Gateway, models.TransactionStatusRefunded)
	if err != nil {
		return err
	}
	return p.audit(ActionRefundProcessed, user.ID, txn.ID, int64Ptr(refund.Amount),
		"refund_id", refund.GatewayRefundID, "credits_reversed", *refund.CreditsReversed)
}

// dispute reverses the transaction like a refund, then suspends the user and
// ends their subscription.
func (p *processor) dispute() error {
	txn, err := p.owningTransaction()
	if err != nil {
		return err
	}
	user, refund, err := p.reverseTransaction(txn, models.RefundReasonChargeback, p.evt.DisputeID, p.evt.Gateway, models.TransactionStatusDisputed)
	if err != nil {
		return err
	}

	if err := p.repo.SetUserStatus(user.ID, models.STATUS_INACTIVE); err != nil {
		return err
	}
	sub, err := p.repo.GetSubscriptionByUser(user.ID)
	switch {
	case err == nil:
		if err := p.endSubscription(user, sub); err != nil {
			return err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := p.repo.UpdateUserPlan(user.ID, models.PlanFree, nil); err != nil {
			return err
		}
	default:
		return err
	}

	userID := user.ID
	reason := fmt.Sprintf("chargeback %s opened for payment %s", p.evt.DisputeID, p.evt.PaymentID)
	p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
		return d.NotifySuspension(ctx, userID, reason)
	}, "suspension notification")

	return p.audit(ActionDisputeOpened, user.ID, txn.ID, int64Ptr(refund.Amount),
		"dispute_id", p.evt.DisputeID, "credits_reversed", *refund.CreditsReversed)
}

// owningTransaction finds the transaction a refund or dispute points at. An
// invoice-keyed transaction is found through the event's invoice id.
func (p *processor) owningTransaction() (*models.PaymentTransaction, error) {
	txn, err := p.repo.FindTransaction(p.evt.Gateway, p.evt.PaymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) && p.evt.InvoiceID != "" {
		txn, err = p.repo.FindTransaction(p.evt.Gateway, p.evt.InvoiceID)
	}
	if err != nil {
		return nil, lookupError(err, "%s transaction %s", p.evt.Gateway, p.evt.PaymentID)
	}
	return txn, nil
}

// reverseTransaction claims the single refund row of txn, takes back the
// credits it awarded (clamped at zero) and flips its status.
func (p *processor) reverseTransaction(txn *models.PaymentTransaction, reason, gatewayRefundID, initiatedBy, status string) (*models.User, *models.Refund, error) {
	user, err := p.lockUser(txn.UserID)
	if err != nil {
		return nil, nil, err
	}

	amount := txn.Amount
	if p.evt.Amount > 0 && p.evt.Amount < amount {
		amount = p.evt.Amount
	}
	refund := &models.Refund{
		TransactionID:   txn.ID,
		UserID:          user.ID,
		Amount:          amount,
		Currency:        txn.Currency,
		Gateway:         txn.Gateway,
		GatewayRefundID: gatewayRefundID,
		Reason:          reason,
		InitiatedBy:     initiatedBy,
		Status:          models.RefundStatusProcessed,
	}

	// Claim before touching the ledger so a second refund cannot reverse twice.
	awarded := txn.AwardedCredits()
	refund.CreditsReversed = int64Ptr(reversible(user.Credits, awarded))
	claimed, err := p.repo.ClaimRefund(refund)
	if err != nil {
		return nil, nil, err
	}
	if !claimed {
		return nil, nil, fmt.Errorf("%w: refund for transaction %d", ErrDuplicateEvent, txn.ID)
	}

	if _, err := Reverse(p.repo, user, awarded); err != nil {
		return nil, nil, err
	}
	if err := p.repo.UpdateTransactionStatus(txn.ID, status); err != nil {
		return nil, nil, err
	}
	return user, refund, nil
}

// AdminRefund refunds a transaction through its gateway, then records the
// refund and reverses the credits. The gateway call happens before any DB
// transaction is opened.
func (s *Service) AdminRefund(ctx context.Context, req AdminRefundRequest) (*models.Refund, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationErrorf("refund request: %v", err)
	}
	txn, err := s.repo.FindTransactionByID(req.TransactionID)
	if err != nil {
		return nil, lookupError(err, "transaction %d", req.TransactionID)
	}
	if txn.Status != models.TransactionStatusCompleted {
		return nil, validationErrorf("transaction %d is %s", txn.ID, txn.Status)
	}
	if _, err := s.repo.FindRefundByTransaction(txn.ID); err == nil {
		return nil, fmt.Errorf("%w: transaction %d already refunded", ErrDuplicateEvent, txn.ID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if req.Amount > txn.Amount {
		return nil, validationErrorf("refund amount %d exceeds transaction amount %d", req.Amount, txn.Amount)
	}
	amount := req.Amount
	if amount == 0 {
		amount = txn.Amount
	}
	if s.gateways == nil {
		return nil, fmt.Errorf("%w: no gateway client configured", ErrTransientGateway)
	}

	notes := map[string]string{"transaction_id": fmt.Sprintf("%d", txn.ID)}
	if r := strings.TrimSpace(req.Reason); r != "" {
		notes["reason"] = r
	}
	gatewayRefundID, err := s.gateways.Refund(ctx, txn.Gateway, txn.GatewayTransactionID, amount, notes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransientGateway, err)
	}

	evt := &Event{
		Gateway:   txn.Gateway,
		RawType:   "admin.refund",
		PaymentID: txn.GatewayTransactionID,
		RefundID:  gatewayRefundID,
		Amount:    amount,
		Currency:  txn.Currency,
	}
	var refund *models.Refund
	err = s.repo.Transaction(ctx, func(repo Repository) error {
		p := &processor{svc: s, repo: repo, evt: evt, now: s.clock()}
		user, r, err := p.reverseTransaction(txn, models.RefundReasonAdmin, gatewayRefundID, req.InitiatedBy, models.TransactionStatusRefunded)
		if err != nil {
			return err
		}
		refund = r
		return p.audit(ActionAdminRefund, user.ID, txn.ID, int64Ptr(r.Amount),
			"refund_id", gatewayRefundID, "initiated_by", req.InitiatedBy, "credits_reversed", *r.CreditsReversed)
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}
