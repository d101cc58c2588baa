package models

import (
	"time"

	"gorm.io/gorm"
)

// Notification kinds raised by billing state changes.
const (
	NotificationTypeUpgrade       = "upgrade"
	NotificationTypeSuspension    = "suspension"
	NotificationTypePaymentFailed = "payment_failed"
)

// Notification is an account message produced by the notify job handlers.
// ReferenceID points at the payment transaction when there is one.
type Notification struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	UserID      uint           `gorm:"index" json:"user_id"`
	Type        string         `gorm:"type:varchar(50)" json:"type"`
	Content     string         `gorm:"type:text" json:"content"`
	IsRead      bool           `gorm:"default:false" json:"is_read"`
	ReferenceID uint           `gorm:"index" json:"reference_id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func CreateNotification(db *gorm.DB, userID uint, kind, content string, referenceID uint) error {
	return db.Create(&Notification{
		UserID:      userID,
		Type:        kind,
		Content:     content,
		ReferenceID: referenceID,
	}).Error
}
