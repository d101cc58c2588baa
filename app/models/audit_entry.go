package models

import "time"

// AuditEntry is one append-only line of the payment audit trail.
type AuditEntry struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Gateway       string    `gorm:"type:varchar(20);not null;default:'';index" json:"gateway"`
	UserID        *uint     `gorm:"default:null;index" json:"user_id,omitempty"`
	TransactionID *uint     `gorm:"default:null;index" json:"transaction_id,omitempty"`
	Action        string    `gorm:"type:varchar(64);not null;index" json:"action"`
	Amount        *int64    `gorm:"default:null" json:"amount,omitempty"`
	Currency      string    `gorm:"type:varchar(3);default:''" json:"currency,omitempty"`
	Metadata      string    `gorm:"type:text" json:"metadata"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
