package models

// All returns every model owned by this service, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Plan{},
		&CreditPackage{},
		&Subscription{},
		&PaymentTransaction{},
		&Refund{},
		&WebhookRetryRecord{},
		&AuditEntry{},
		&Setting{},
		&Notification{},
	}
}
