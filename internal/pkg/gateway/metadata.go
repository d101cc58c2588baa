package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
)

// PlanResolver maps a gateway plan or price reference to the local plan.
// billing.Repository satisfies it.
type PlanResolver interface {
	FindPlanByGatewayRef(gateway, ref string) (*models.Plan, error)
}

// Notes is the string map gateways attach to objects. Razorpay sends an empty
// JSON array instead of an object when there are none, and values may be numbers.
type Notes map[string]string

func (n *Notes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		*n = Notes{}
		return nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	out := make(Notes, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*n = out
	return nil
}

// merge returns n overlaid with every non-empty value of other.
func (n Notes) merge(other Notes) Notes {
	out := make(Notes, len(n)+len(other))
	for k, v := range n {
		out[k] = v
	}
	for k, v := range other {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Metadata converts notes into the typed event metadata. A malformed user id
// leaves UserID at zero, which the engine rejects as a validation error.
func (n Notes) Metadata() billing.Metadata {
	m := billing.Metadata{
		PlanID:        strings.TrimSpace(n["plan_id"]),
		BillingPeriod: strings.ToLower(strings.TrimSpace(n["billing_period"])),
		PackageID:     strings.TrimSpace(n["package_id"]),
	}
	if id, err := strconv.ParseUint(strings.TrimSpace(n["user_id"]), 10, 64); err == nil {
		m.UserID = uint(id)
	}
	return m
}

// resolvePlan fills PlanID from the gateway plan reference when notes lack it.
func resolvePlan(plans PlanResolver, gateway, ref string, m *billing.Metadata) {
	if m.PlanID != "" || ref == "" || plans == nil {
		return
	}
	if plan, err := plans.FindPlanByGatewayRef(gateway, ref); err == nil {
		m.PlanID = plan.ID
		if m.BillingPeriod == "" {
			m.BillingPeriod = plan.BillingPeriod
		}
	}
}
