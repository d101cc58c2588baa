package models

import "time"

const (
	RefundReasonGateway    = "gateway_refund"
	RefundReasonChargeback = "chargeback"
	RefundReasonAdmin      = "admin_initiated"
)

const (
	RefundStatusProcessed = "processed"
	RefundStatusPending   = "pending"
)

// Refund is created once per refunded or disputed transaction and never
// changed. The unique index on transaction_id makes a second claim a no-op.
type Refund struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	TransactionID   uint      `gorm:"not null;uniqueIndex" json:"transaction_id"`
	UserID          uint      `gorm:"not null;index" json:"user_id"`
	Amount          int64     `gorm:"not null" json:"amount"`
	Currency        string    `gorm:"type:varchar(3);not null" json:"currency"`
	Gateway         string    `gorm:"type:varchar(20);not null" json:"gateway"`
	GatewayRefundID string    `gorm:"type:varchar(191);default:''" json:"gateway_refund_id"`
	Reason          string    `gorm:"type:varchar(32);not null" json:"reason"`
	InitiatedBy     string    `gorm:"type:varchar(100);not null" json:"initiated_by"`
	Status          string    `gorm:"type:varchar(20);not null;default:'processed'" json:"status"`
	CreditsReversed *int64    `gorm:"default:null" json:"credits_reversed,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}
