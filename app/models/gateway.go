package models

// Gateway names used as the first half of every idempotency key.
const (
	GatewayRazorpay = "razorpay"
	GatewayStripe   = "stripe"
)

// KnownGateway reports whether name is a configured payment gateway.
func KnownGateway(name string) bool {
	switch name {
	case GatewayRazorpay, GatewayStripe:
		return true
	default:
		return false
	}
}
