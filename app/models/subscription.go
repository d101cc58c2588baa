package models

import "time"

const (
	BillingPeriodMonthly = "monthly"
	BillingPeriodYearly  = "yearly"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription is the single subscription a user holds. Only one gateway
// subscription id is populated at a time; switching gateways clears the other.
type Subscription struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	UserID                 uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	PlanID                 string    `gorm:"type:varchar(64);not null;index" json:"plan_id"`
	Status                 string    `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	CurrentPeriodStart     time.Time `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time `gorm:"not null" json:"current_period_end"`
	RazorpaySubscriptionID *string   `gorm:"type:varchar(191);default:null;index" json:"razorpay_subscription_id,omitempty"`
	StripeSubscriptionID   *string   `gorm:"type:varchar(191);default:null;index" json:"stripe_subscription_id,omitempty"`
	CancelAtPeriodEnd      bool      `gorm:"default:false" json:"cancel_at_period_end"`
	BillingPeriod          string    `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_period"`
	CreatedAt              time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SetGatewaySubscriptionID stores id for gateway and clears every other
// gateway's id so exactly one is populated.
func (s *Subscription) SetGatewaySubscriptionID(gateway, id string) {
	s.RazorpaySubscriptionID = nil
	s.StripeSubscriptionID = nil
	v := id
	switch gateway {
	case GatewayRazorpay:
		s.RazorpaySubscriptionID = &v
	case GatewayStripe:
		s.StripeSubscriptionID = &v
	}
}

// GatewaySubscriptionID returns the populated gateway and its subscription id.
func (s *Subscription) GatewaySubscriptionID() (string, string) {
	if s.RazorpaySubscriptionID != nil && *s.RazorpaySubscriptionID != "" {
		return GatewayRazorpay, *s.RazorpaySubscriptionID
	}
	if s.StripeSubscriptionID != nil && *s.StripeSubscriptionID != "" {
		return GatewayStripe, *s.StripeSubscriptionID
	}
	return "", ""
}

// SubscriptionColumn returns the column holding subscription ids for gateway.
func SubscriptionColumn(gateway string) string {
	switch gateway {
	case GatewayRazorpay:
		return "razorpay_subscription_id"
	case GatewayStripe:
		return "stripe_subscription_id"
	default:
		return ""
	}
}
