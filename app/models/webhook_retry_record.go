package models

import "time"

// WebhookRetryRecord holds a verified webhook whose processing failed. The
// sweeper replays it until it succeeds (row deleted) or expires (dead-lettered).
type WebhookRetryRecord struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Gateway         string     `gorm:"type:varchar(20);not null;index:ux_webhook_retry_records_event,unique,priority:1" json:"gateway"`
	EventType       string     `gorm:"type:varchar(100);not null" json:"event_type"`
	ExternalEventID string     `gorm:"type:varchar(191);not null;index:ux_webhook_retry_records_event,unique,priority:2" json:"external_event_id"`
	RawPayload      string     `gorm:"type:longtext;not null" json:"raw_payload"`
	LastError       string     `gorm:"type:text" json:"last_error"`
	AttemptCount    int        `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt   time.Time  `gorm:"not null;index" json:"next_attempt_at"`
	ExpiresAt       time.Time  `gorm:"not null" json:"expires_at"`
	DeadLetteredAt  *time.Time `gorm:"type:timestamp;default:null;index" json:"dead_lettered_at,omitempty"`
	ArchiveKey      string     `gorm:"type:varchar(255);default:''" json:"archive_key,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsDeadLettered reports whether the record stopped being retried.
func (r *WebhookRetryRecord) IsDeadLettered() bool {
	return r.DeadLetteredAt != nil
}
