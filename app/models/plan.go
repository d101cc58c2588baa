package models

import "time"

// Plan maps a purchasable subscription plan to its gateway plan references
// and the credits it includes per activation.
type Plan struct {
	ID              string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name            string    `gorm:"type:varchar(150);not null" json:"name"`
	Amount          int64     `gorm:"not null" json:"amount"`
	Currency        string    `gorm:"type:varchar(3);not null" json:"currency"`
	BillingPeriod   string    `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_period"`
	IncludedCredits int64     `gorm:"not null;default:0" json:"included_credits"`
	RazorpayPlanID  string    `gorm:"type:varchar(191);default:'';index" json:"razorpay_plan_id"`
	StripePriceID   string    `gorm:"type:varchar(191);default:'';index" json:"stripe_price_id"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GatewayPlanRef returns the plan reference used by gateway.
func (p *Plan) GatewayPlanRef(gateway string) string {
	switch gateway {
	case GatewayRazorpay:
		return p.RazorpayPlanID
	case GatewayStripe:
		return p.StripePriceID
	default:
		return ""
	}
}

// CreditPackage is a one-off prepaid credit bundle.
type CreditPackage struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string    `gorm:"type:varchar(150);not null" json:"name"`
	Credits   int64     `gorm:"not null" json:"credits"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Currency  string    `gorm:"type:varchar(3);not null" json:"currency"`
	IsActive  bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
