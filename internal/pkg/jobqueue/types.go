package jobqueue

import (
	"encoding/json"
	"time"
)

type JobType string

// Job types produced by the billing notification dispatcher and the
// retry sweeper.
const (
	JobTypeNotifyUpgrade        JobType = "notify_upgrade"
	JobTypeNotifySuspension     JobType = "notify_suspension"
	JobTypePurchaseConfirmation JobType = "purchase_confirmation"
	JobTypePaymentFailed        JobType = "payment_failed"
	JobTypeGenerateInvoice      JobType = "generate_invoice"
	JobTypeArchiveDeadLetters   JobType = "archive_dead_letters"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is the JSON document stored under JobKeyPrefix+ID.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// NotificationJobPayload is shared by every notification and invoice job.
type NotificationJobPayload struct {
	UserID        uint   `json:"user_id"`
	TransactionID uint   `json:"transaction_id,omitempty"`
	PlanID        string `json:"plan_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ToMap flattens the payload for Job.Payload, leaving out empty fields.
func (p NotificationJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{"user_id": p.UserID}
	if p.TransactionID != 0 {
		m["transaction_id"] = p.TransactionID
	}
	if p.PlanID != "" {
		m["plan_id"] = p.PlanID
	}
	if p.Reason != "" {
		m["reason"] = p.Reason
	}
	return m
}

// NotificationJobPayloadFromMap decodes Job.Payload. Numbers come back from
// Redis as float64, so the map goes through JSON once more.
func NotificationJobPayloadFromMap(data map[string]interface{}) (*NotificationJobPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload NotificationJobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed records the error and counts the attempt.
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
