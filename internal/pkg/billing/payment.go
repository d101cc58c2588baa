package billing

import (
	"context"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/notify"
)

// capturePayment credits a one-off package purchase. Captures that belong to
// a subscription invoice are owned by the subscription events.
func (p *processor) capturePayment() error {
	evt := p.evt
	if evt.IsSubscriptionPayment() {
		return p.audit(ActionCaptureSkipped, evt.Metadata.UserID, 0, nil)
	}

	user, err := p.lockUser(evt.Metadata.UserID)
	if err != nil {
		return err
	}
	pkg, err := p.repo.FindCreditPackage(evt.Metadata.PackageID)
	if err != nil {
		return lookupError(err, "credit package %q", evt.Metadata.PackageID)
	}

	txn := &models.PaymentTransaction{
		UserID:               user.ID,
		Type:                 models.TransactionTypeCredits,
		Gateway:              evt.Gateway,
		GatewayTransactionID: evt.PaymentID,
		GatewayOrderID:       evt.OrderID,
		Amount:               p.amountOr(pkg.Amount),
		Currency:             p.currencyOr(pkg.Currency),
		Status:               models.TransactionStatusCompleted,
		CreditsAwarded:       int64Ptr(pkg.Credits),
		CompletedAt:          p.now,
	}
	if err := p.claim(txn); err != nil {
		return err
	}
	if err := Award(p.repo, user.ID, pkg.Credits); err != nil {
		return err
	}

	userID, txnID := user.ID, txn.ID
	p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
		return d.SendPurchaseConfirmation(ctx, userID, txnID)
	}, "purchase confirmation")
	p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
		return d.GenerateInvoiceForTransaction(ctx, txnID)
	}, "invoice")

	return p.audit(ActionCreditsPurchased, user.ID, txn.ID, int64Ptr(txn.Amount),
		"package_id", pkg.ID, "credits_awarded", pkg.Credits)
}

func (p *processor) failPayment() error {
	userID := p.evt.Metadata.UserID
	if userID != 0 {
		paymentID := p.evt.PaymentID
		p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
			return d.SendPaymentFailed(ctx, userID, "payment "+paymentID+" failed")
		}, "payment failed email")
	}
	return p.audit(ActionPaymentFailed, userID, 0, nil)
}

// ListTransactions returns the user's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uint, limit int) ([]models.PaymentTransaction, error) {
	_ = ctx
	return s.repo.ListTransactionsByUser(userID, limit)
}
