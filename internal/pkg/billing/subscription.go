package billing

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/notify"
)

// activationKeyPrefix keys the transaction of an activation that arrived
// without its payment. The first payment seen for the subscription takes the
// row over, so refunds and disputes of that payment find the awarded credits.
const activationKeyPrefix = "activation:"

// activateSubscription creates or refreshes the user's subscription, claims
// the activating payment and awards the plan's included credits.
func (p *processor) activateSubscription() error {
	evt := p.evt
	user, err := p.lockUser(evt.Metadata.UserID)
	if err != nil {
		return err
	}
	if evt.Metadata.PlanID == "" {
		return validationErrorf("%s: plan_id metadata is required", evt.Kind)
	}
	plan, err := p.repo.FindPlan(evt.Metadata.PlanID)
	if err != nil {
		return lookupError(err, "plan %q", evt.Metadata.PlanID)
	}

	period := normalizeBillingPeriod(evt.Metadata.BillingPeriod)
	if evt.Metadata.BillingPeriod == "" {
		period = normalizeBillingPeriod(plan.BillingPeriod)
	}

	sub, err := p.repo.GetSubscriptionByUser(user.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		sub = &models.Subscription{UserID: user.ID}
	}

	// The same gateway subscription is already running: either a redelivery
	// or the charge that arrived first already activated it.
	if gw, id := sub.GatewaySubscriptionID(); gw == evt.Gateway && id == evt.SubscriptionID {
		if sub.Status != models.SubscriptionStatusPastDue {
			if settled, err := p.settleActivation(user.ID); err != nil || settled {
				return err
			}
		}
		switch sub.Status {
		case models.SubscriptionStatusActive:
			return fmt.Errorf("%w: %s subscription %s already active", ErrDuplicateEvent, gw, id)
		case models.SubscriptionStatusPastDue:
			sub.Status = models.SubscriptionStatusActive
			if err := p.repo.SaveSubscription(sub); err != nil {
				return err
			}
			return p.audit(ActionSubscriptionActivated, user.ID, 0, nil, "plan_id", sub.PlanID, "reactivated", true)
		case models.SubscriptionStatusCancelled:
			return fmt.Errorf("%w: %s subscription %s is cancelled", ErrDuplicateEvent, gw, id)
		}
	}

	sub.PlanID = plan.ID
	sub.BillingPeriod = period
	sub.Status = models.SubscriptionStatusActive
	sub.CancelAtPeriodEnd = false
	sub.CurrentPeriodStart = p.now
	sub.CurrentPeriodEnd = AddBillingPeriod(p.now, period)
	sub.SetGatewaySubscriptionID(evt.Gateway, evt.SubscriptionID)
	if err := p.repo.SaveSubscription(sub); err != nil {
		return err
	}

	txnKey := evt.PaymentID
	if txnKey == "" {
		txnKey = activationKeyPrefix + evt.SubscriptionID
	}
	credits := plan.IncludedCredits
	txn := &models.PaymentTransaction{
		UserID:                user.ID,
		Type:                  models.TransactionTypeSubscription,
		Gateway:               evt.Gateway,
		GatewayTransactionID:  txnKey,
		GatewaySubscriptionID: stringPtr(evt.SubscriptionID),
		GatewayOrderID:        evt.OrderID,
		Amount:                p.amountOr(plan.Amount),
		Currency:              p.currencyOr(plan.Currency),
		Status:                models.TransactionStatusCompleted,
		CreditsAwarded:        int64Ptr(credits),
		SubscriptionID:        &sub.ID,
		PlanID:                stringPtr(plan.ID),
		CompletedAt:           p.now,
	}
	if err := p.claim(txn); err != nil {
		return err
	}
	if err := Award(p.repo, user.ID, credits); err != nil {
		return err
	}
	end := sub.CurrentPeriodEnd
	if err := p.repo.UpdateUserPlan(user.ID, plan.ID, &end); err != nil {
		return err
	}

	userID, txnID, planID := user.ID, txn.ID, plan.ID
	p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
		return d.NotifyUpgrade(ctx, userID, planID, txnID)
	}, "upgrade notification")
	p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
		return d.SendPurchaseConfirmation(ctx, userID, txnID)
	}, "purchase confirmation")
	p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
		return d.GenerateInvoiceForTransaction(ctx, txnID)
	}, "invoice")

	return p.audit(ActionSubscriptionActivated, user.ID, txn.ID, int64Ptr(txn.Amount),
		"plan_id", plan.ID, "credits_awarded", credits, "period_end", end)
}

// chargeSubscription records a renewal payment and extends the period. A
// charge for a subscription that was never activated here is treated as the
// activation when the metadata allows it.
func (p *processor) chargeSubscription() error {
	evt := p.evt
	found, err := p.repo.FindSubscriptionByGatewayID(evt.Gateway, evt.SubscriptionID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if evt.Metadata.UserID != 0 && evt.Metadata.PlanID != "" {
			return p.activateSubscription()
		}
		return notFoundErrorf("%s subscription %s", evt.Gateway, evt.SubscriptionID)
	}

	user, sub, err := p.lockSubscriptionOwner(found.UserID)
	if err != nil {
		return err
	}

	// The first charge of a subscription activated without a payment pays
	// for the period the activation already opened.
	if settled, err := p.settleActivation(user.ID); err != nil || settled {
		return err
	}

	txn := &models.PaymentTransaction{
		UserID:                user.ID,
		Type:                  models.TransactionTypeSubscription,
		Gateway:               evt.Gateway,
		GatewayTransactionID:  evt.PaymentID,
		GatewaySubscriptionID: stringPtr(evt.SubscriptionID),
		GatewayOrderID:        evt.OrderID,
		Amount:                evt.Amount,
		Currency:              p.currencyOr(""),
		Status:                models.TransactionStatusCompleted,
		SubscriptionID:        &sub.ID,
		PlanID:                stringPtr(sub.PlanID),
		CompletedAt:           p.now,
	}
	if err := p.claim(txn); err != nil {
		return err
	}

	// a charge that arrives after the cancellation is recorded, but the
	// subscription stays cancelled
	if sub.Status == models.SubscriptionStatusCancelled {
		return p.audit(ActionSubscriptionRenewed, user.ID, txn.ID, int64Ptr(txn.Amount),
			"plan_id", sub.PlanID, "subscription_status", sub.Status)
	}

	sub.Status = models.SubscriptionStatusActive
	sub.CurrentPeriodStart = p.now
	sub.CurrentPeriodEnd = AddBillingPeriod(p.now, sub.BillingPeriod)
	if err := p.repo.SaveSubscription(sub); err != nil {
		return err
	}
	end := sub.CurrentPeriodEnd
	if err := p.repo.UpdateUserPlan(user.ID, sub.PlanID, &end); err != nil {
		return err
	}

	userID, txnID := user.ID, txn.ID
	p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
		return d.GenerateInvoiceForTransaction(ctx, txnID)
	}, "invoice")
	p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
		return d.SendPurchaseConfirmation(ctx, userID, txnID)
	}, "purchase confirmation")

	return p.audit(ActionSubscriptionRenewed, user.ID, txn.ID, int64Ptr(txn.Amount),
		"plan_id", sub.PlanID, "period_end", end)
}

// settleActivation moves the placeholder activation transaction of the
// event's subscription onto the event's payment id. It reports false when
// there is no placeholder or the event carries no payment.
func (p *processor) settleActivation(userID uint) (bool, error) {
	evt := p.evt
	if evt.PaymentID == "" || evt.SubscriptionID == "" {
		return false, nil
	}
	placeholder, err := p.repo.FindTransaction(evt.Gateway, activationKeyPrefix+evt.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := p.repo.FindTransaction(evt.Gateway, evt.PaymentID); err == nil {
		return false, fmt.Errorf("%w: %s transaction %s", ErrDuplicateEvent, evt.Gateway, evt.PaymentID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	amount := placeholder.Amount
	if evt.Amount > 0 {
		amount = evt.Amount
	}
	if err := p.repo.RekeyTransaction(placeholder.ID, evt.PaymentID, evt.OrderID, amount); err != nil {
		return false, err
	}
	return true, p.audit(ActionActivationSettled, userID, placeholder.ID, int64Ptr(amount),
		"replaces", placeholder.GatewayTransactionID, "credits_awarded", placeholder.AwardedCredits())
}

// markPastDue handles pending and halted subscriptions. A cancelled
// subscription stays cancelled.
func (p *processor) markPastDue() error {
	evt := p.evt
	found, err := p.repo.FindSubscriptionByGatewayID(evt.Gateway, evt.SubscriptionID)
	if err != nil {
		return lookupError(err, "%s subscription %s", evt.Gateway, evt.SubscriptionID)
	}
	user, sub, err := p.lockSubscriptionOwner(found.UserID)
	if err != nil {
		return err
	}

	if sub.Status != models.SubscriptionStatusCancelled {
		sub.Status = models.SubscriptionStatusPastDue
		if err := p.repo.SaveSubscription(sub); err != nil {
			return err
		}
	}

	if evt.Kind == EventSubscriptionHalted {
		userID := user.ID
		reason := fmt.Sprintf("subscription %s halted after failed payments", evt.SubscriptionID)
		p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
			return d.NotifySuspension(ctx, userID, reason)
		}, "suspension notification")
		p.afterCommit(func(ctx context.Context, d notify.Dispatcher) error {
			return d.SendPaymentFailed(ctx, userID, reason)
		}, "payment failed email")
	}

	return p.audit(ActionPaymentFailed, user.ID, 0, nil, "subscription_status", sub.Status)
}

// cancelSubscription ends the subscription and returns the user to the free
// plan. Repeating it changes nothing.
func (p *processor) cancelSubscription() error {
	evt := p.evt
	found, err := p.repo.FindSubscriptionByGatewayID(evt.Gateway, evt.SubscriptionID)
	if err != nil {
		return lookupError(err, "%s subscription %s", evt.Gateway, evt.SubscriptionID)
	}
	user, sub, err := p.lockSubscriptionOwner(found.UserID)
	if err != nil {
		return err
	}
	if err := p.endSubscription(user, sub); err != nil {
		return err
	}
	return p.audit(ActionSubscriptionCancelled, user.ID, 0, nil)
}

func (p *processor) endSubscription(user *models.User, sub *models.Subscription) error {
	if sub.Status != models.SubscriptionStatusCancelled || sub.CancelAtPeriodEnd {
		sub.Status = models.SubscriptionStatusCancelled
		sub.CancelAtPeriodEnd = false
		if err := p.repo.SaveSubscription(sub); err != nil {
			return err
		}
	}
	if user.PlanType != models.PlanFree || user.PlanExpiresAt != nil {
		return p.repo.UpdateUserPlan(user.ID, models.PlanFree, nil)
	}
	return nil
}

// lockSubscriptionOwner locks the user and re-reads the subscription under that lock.
func (p *processor) lockSubscriptionOwner(userID uint) (*models.User, *models.Subscription, error) {
	user, err := p.lockUser(userID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := p.repo.GetSubscriptionByUser(user.ID)
	if err != nil {
		return nil, nil, lookupError(err, "subscription of user %d", user.ID)
	}
	return user, sub, nil
}

// CancelSubscription asks the gateway to cancel the user's subscription at
// the end of the period. The final state arrives with the cancellation webhook.
func (s *Service) CancelSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByUser(userID)
	if err != nil {
		return nil, lookupError(err, "subscription of user %d", userID)
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		return nil, validationErrorf("subscription already cancelled")
	}
	gateway, gatewaySubID := sub.GatewaySubscriptionID()
	if gatewaySubID == "" {
		return nil, validationErrorf("subscription %d has no gateway reference", sub.ID)
	}
	if s.gateways == nil {
		return nil, fmt.Errorf("%w: no gateway client configured", ErrTransientGateway)
	}
	if err := s.gateways.CancelSubscription(ctx, gateway, gatewaySubID, true); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransientGateway, err)
	}

	evt := &Event{Gateway: gateway, SubscriptionID: gatewaySubID, RawType: "client.cancel"}
	err = s.repo.Transaction(ctx, func(repo Repository) error {
		p := &processor{svc: s, repo: repo, evt: evt, now: s.clock()}
		user, locked, err := p.lockSubscriptionOwner(userID)
		if err != nil {
			return err
		}
		if locked.Status != models.SubscriptionStatusCancelled {
			locked.CancelAtPeriodEnd = true
			if err := repo.SaveSubscription(locked); err != nil {
				return err
			}
		}
		sub = locked
		return p.audit(ActionCancelRequested, user.ID, 0, nil)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
