// Package notify delivers user-facing side effects of payment events. They run
// after the DB transaction committed and never fail the event.
package notify

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
)

// Dispatcher is called after commit. Implementations must not block on slow I/O.
type Dispatcher interface {
	NotifyUpgrade(ctx context.Context, userID uint, planID string, transactionID uint) error
	NotifySuspension(ctx context.Context, userID uint, reason string) error
	SendPurchaseConfirmation(ctx context.Context, userID uint, transactionID uint) error
	SendPaymentFailed(ctx context.Context, userID uint, reason string) error
	GenerateInvoiceForTransaction(ctx context.Context, transactionID uint) error
}

// Enqueuer is the part of the job queue the dispatcher needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// QueueDispatcher turns every call into a Redis job handled by Handlers.
type QueueDispatcher struct {
	queue Enqueuer
}

func NewQueueDispatcher(queue Enqueuer) *QueueDispatcher {
	return &QueueDispatcher{queue: queue}
}

func (d *QueueDispatcher) enqueue(ctx context.Context, jobType jobqueue.JobType, p jobqueue.NotificationJobPayload) error {
	_, err := d.queue.EnqueueJob(ctx, jobType, p.ToMap())
	return err
}

func (d *QueueDispatcher) NotifyUpgrade(ctx context.Context, userID uint, planID string, transactionID uint) error {
	return d.enqueue(ctx, jobqueue.JobTypeNotifyUpgrade, jobqueue.NotificationJobPayload{
		UserID:        userID,
		PlanID:        planID,
		TransactionID: transactionID,
	})
}

func (d *QueueDispatcher) NotifySuspension(ctx context.Context, userID uint, reason string) error {
	return d.enqueue(ctx, jobqueue.JobTypeNotifySuspension, jobqueue.NotificationJobPayload{UserID: userID, Reason: reason})
}

func (d *QueueDispatcher) SendPurchaseConfirmation(ctx context.Context, userID uint, transactionID uint) error {
	return d.enqueue(ctx, jobqueue.JobTypePurchaseConfirmation, jobqueue.NotificationJobPayload{
		UserID:        userID,
		TransactionID: transactionID,
	})
}

func (d *QueueDispatcher) SendPaymentFailed(ctx context.Context, userID uint, reason string) error {
	return d.enqueue(ctx, jobqueue.JobTypePaymentFailed, jobqueue.NotificationJobPayload{UserID: userID, Reason: reason})
}

func (d *QueueDispatcher) GenerateInvoiceForTransaction(ctx context.Context, transactionID uint) error {
	return d.enqueue(ctx, jobqueue.JobTypeGenerateInvoice, jobqueue.NotificationJobPayload{TransactionID: transactionID})
}

// LogDispatcher only logs. It is the default when no queue is wired.
type LogDispatcher struct{}

func (LogDispatcher) NotifyUpgrade(ctx context.Context, userID uint, planID string, transactionID uint) error {
	log.Infof("[Notify] upgrade user=%d plan=%s txn=%d", userID, planID, transactionID)
	return nil
}

func (LogDispatcher) NotifySuspension(ctx context.Context, userID uint, reason string) error {
	log.Infof("[Notify] suspension user=%d reason=%q", userID, reason)
	return nil
}

func (LogDispatcher) SendPurchaseConfirmation(ctx context.Context, userID uint, transactionID uint) error {
	log.Infof("[Notify] purchase confirmation user=%d txn=%d", userID, transactionID)
	return nil
}

func (LogDispatcher) SendPaymentFailed(ctx context.Context, userID uint, reason string) error {
	log.Infof("[Notify] payment failed user=%d reason=%q", userID, reason)
	return nil
}

func (LogDispatcher) GenerateInvoiceForTransaction(ctx context.Context, transactionID uint) error {
	log.Infof("[Notify] invoice txn=%d", transactionID)
	return nil
}
