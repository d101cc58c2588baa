package models

import "time"

const (
	TransactionTypeSubscription = "subscription"
	TransactionTypeCredits      = "credits"
)

const (
	TransactionStatusCompleted = "completed"
	TransactionStatusRefunded  = "refunded"
	TransactionStatusDisputed  = "disputed"
)

// PaymentTransaction records one money movement reported by a gateway.
// (gateway, gateway_transaction_id) is unique and is the idempotency key:
// the row is inserted once and afterwards only its status may change.
type PaymentTransaction struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	UserID                uint      `gorm:"not null;index" json:"user_id"`
	Type                  string    `gorm:"type:varchar(20);not null" json:"type"`
	Gateway               string    `gorm:"type:varchar(20);not null;index:ux_payment_transactions_gateway_txn,unique,priority:1" json:"gateway"`
	GatewayTransactionID  string    `gorm:"type:varchar(191);not null;index:ux_payment_transactions_gateway_txn,unique,priority:2" json:"gateway_transaction_id"`
	GatewaySubscriptionID *string   `gorm:"type:varchar(191);default:null;index" json:"gateway_subscription_id,omitempty"`
	GatewayOrderID        string    `gorm:"type:varchar(191);default:''" json:"gateway_order_id,omitempty"`
	Amount                int64     `gorm:"not null" json:"amount"`
	Currency              string    `gorm:"type:varchar(3);not null" json:"currency"`
	Status                string    `gorm:"type:varchar(20);not null;default:'completed';index" json:"status"`
	CreditsAwarded        *int64    `gorm:"default:null" json:"credits_awarded,omitempty"`
	SubscriptionID        *uint     `gorm:"default:null;index" json:"subscription_id,omitempty"`
	PlanID                *string   `gorm:"type:varchar(64);default:null" json:"plan_id,omitempty"`
	CompletedAt           time.Time `gorm:"not null" json:"completed_at"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AwardedCredits returns the credits this transaction added to the ledger.
func (t *PaymentTransaction) AwardedCredits() int64 {
	if t.CreditsAwarded == nil {
		return 0
	}
	return *t.CreditsAwarded
}
